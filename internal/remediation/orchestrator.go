package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/presagestack/presage-engine/internal/cache"
	"github.com/presagestack/presage-engine/internal/metrics"
	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/utils"
)

// Guard metric types sampled around every configuration change.
const (
	MetricErrorRate    = "error_rate"
	MetricLatency      = "latency"
	MetricFailureCount = "failure_count"
)

// ConfigStore is the versioned configuration backend the orchestrator
// changes and reverts through.
type ConfigStore interface {
	GetCurrent(ctx context.Context, service string) (map[string]string, string, error)
	Apply(ctx context.Context, service string, cfg map[string]string) (string, error)
	Revert(ctx context.Context, service, version string) error
	ListHistory(ctx context.Context, service string) ([]string, error)
}

// MetricSampler provides guard-metric history for baseline and post-change
// comparison windows.
type MetricSampler interface {
	GetHistory(ctx context.Context, service, metricType string, window time.Duration) ([]models.MetricPoint, error)
}

// ActionStore persists remediation actions.
type ActionStore interface {
	SaveAction(ctx context.Context, action models.RemediationAction) error
}

// EventSink receives high-priority remediation events (rollbacks, failed
// rollbacks). The default sink logs them.
type EventSink interface {
	RemediationEvent(ctx context.Context, action models.RemediationAction, message string)
}

type logSink struct{ logger *slog.Logger }

func (s logSink) RemediationEvent(_ context.Context, action models.RemediationAction, message string) {
	s.logger.Error("remediation event",
		slog.String("action_id", action.ActionID),
		slog.String("service", action.TargetService),
		slog.String("outcome", string(action.Outcome)),
		slog.String("message", message),
	)
}

// Config bounds the remediation protocol.
type Config struct {
	InWindow          func(time.Time) bool
	DailyLimit        int
	WeeklyLimit       int
	BreakerThreshold  int
	BreakerWindow     time.Duration
	BreakerCooldown   time.Duration
	PreWindow         time.Duration
	PostWindow        time.Duration
	SampleInterval    time.Duration
	ErrorRateIncrease float64
	LatencyIncrease   float64
	FailureIncrease   float64
	LockTTL           time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreWindow <= 0 {
		c.PreWindow = 5 * time.Minute
	}
	if c.PostWindow <= 0 {
		c.PostWindow = 15 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Minute
	}
	if c.ErrorRateIncrease <= 0 {
		c.ErrorRateIncrease = 0.20
	}
	if c.LatencyIncrease <= 0 {
		c.LatencyIncrease = 0.30
	}
	if c.FailureIncrease <= 0 {
		c.FailureIncrease = 0.50
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	return c
}

type actionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	final  models.RemediationAction
}

// Orchestrator applies bounded, reversible configuration changes under strict
// preconditions, observes the outcome, and rolls back on harm. At most one
// action is in flight per (service, config_key); unrelated keys run
// concurrently.
type Orchestrator struct {
	logger  *slog.Logger
	cfg     Config
	store   ConfigStore
	sampler MetricSampler
	actions ActionStore
	sink    EventSink
	breaker *CircuitBreaker
	limiter *rateLimiter
	locks   cache.Provider

	mu       sync.Mutex
	inflight map[string]bool
	handles  map[string]*actionHandle

	observations sync.WaitGroup
	now          func() time.Time
}

// NewOrchestrator constructs the remediation orchestrator. The locks provider
// may be a cache.NoopProvider when no shared lock backend is configured.
func NewOrchestrator(logger *slog.Logger, cfg Config, store ConfigStore, sampler MetricSampler, actions ActionStore, sink EventSink, locks cache.Provider) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = logSink{logger: logger}
	}
	if locks == nil {
		locks = cache.NoopProvider{}
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		sampler:  sampler,
		actions:  actions,
		sink:     sink,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		limiter:  newRateLimiter(cfg.DailyLimit, cfg.WeeklyLimit),
		locks:    locks,
		inflight: make(map[string]bool),
		handles:  make(map[string]*actionHandle),
		now:      time.Now,
	}
}

// Breaker exposes the automation circuit breaker for operator reset.
func (o *Orchestrator) Breaker() *CircuitBreaker { return o.breaker }

func actionKey(service, configKey string) string {
	return service + "/" + configKey
}

// Apply runs the guarded remediation protocol for one recommendation. A
// precondition failure returns a Rejected action with the reason recorded and
// zero configuration state mutated. Otherwise the change is applied and a
// supervised observation decides commit or rollback; the returned action is
// Pending until Await reports the final outcome.
func (o *Orchestrator) Apply(ctx context.Context, rec models.Recommendation) (*models.RemediationAction, error) {
	if rec.Service == "" || rec.ConfigKey == "" || len(rec.ConfigDiff) == 0 {
		return nil, utils.NewAppError("remediation.Apply", utils.KindInput,
			"recommendation requires service, config_key, and a non-empty diff", nil)
	}

	action := &models.RemediationAction{
		ActionID:      uuid.NewString(),
		TargetService: rec.Service,
		ConfigKey:     rec.ConfigKey,
		ConfigDiff:    rec.ConfigDiff,
		Rationale:     rec.Rationale,
		Outcome:       models.OutcomePending,
	}

	now := o.now()
	key := actionKey(rec.Service, rec.ConfigKey)

	if o.cfg.InWindow == nil || !o.cfg.InWindow(now) {
		return o.reject(ctx, action, "outside maintenance window", true), nil
	}
	if !o.limiter.allow(key) {
		return o.reject(ctx, action, "automation rate limit exceeded", true), nil
	}
	if !o.acquire(ctx, key, action.ActionID) {
		return o.reject(ctx, action, "another action in flight for this service/config key", true), nil
	}
	if !o.breaker.Allow() {
		o.release(ctx, key)
		// Breaker-open rejections do not feed back into the breaker itself.
		return o.reject(ctx, action, "automation circuit breaker open", false), nil
	}

	baseline, err := o.aggregate(ctx, rec.Service, o.cfg.PreWindow)
	if err != nil {
		o.release(ctx, key)
		return o.reject(ctx, action, fmt.Sprintf("baseline capture failed: %v", err), true), nil
	}
	action.BaselineMetrics = baseline

	backupCfg, backupVersion, err := o.store.GetCurrent(ctx, rec.Service)
	if err != nil {
		o.release(ctx, key)
		return o.reject(ctx, action, fmt.Sprintf("config backup failed: %v", err), true), nil
	}
	action.ConfigVersionBefore = backupVersion

	merged := make(map[string]string, len(backupCfg)+len(rec.ConfigDiff))
	for k, v := range backupCfg {
		merged[k] = v
	}
	for k, v := range rec.ConfigDiff {
		merged[k] = v
	}

	newVersion, err := o.store.Apply(ctx, rec.Service, merged)
	if err != nil {
		o.release(ctx, key)
		return o.reject(ctx, action, fmt.Sprintf("config apply failed: %v", err), true), nil
	}
	action.ConfigVersionAfter = newVersion
	action.AppliedAt = o.now()

	o.limiter.record(key)
	o.persist(ctx, *action)

	obsCtx, cancel := context.WithCancel(context.Background())
	handle := &actionHandle{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.handles[action.ActionID] = handle
	o.mu.Unlock()

	o.observations.Add(1)
	go o.observe(obsCtx, *action, key, backupVersion, handle)

	o.logger.Info("remediation applied, observing",
		slog.String("action_id", action.ActionID),
		slog.String("service", rec.Service),
		slog.String("config_key", rec.ConfigKey),
		slog.String("version_before", backupVersion),
		slog.String("version_after", newVersion),
	)

	applied := *action
	return &applied, nil
}

// observe samples the guard metrics across the post-change window and
// finalises the action. Operator cancellation reverts to the backup
// immediately so the configuration never sits in an ambiguous state.
func (o *Orchestrator) observe(ctx context.Context, action models.RemediationAction, key, backupVersion string, handle *actionHandle) {
	defer o.observations.Done()

	post, cancelled, err := o.watchPostWindow(ctx, action.TargetService)

	// Finalisation uses a fresh context: the observation context being
	// cancelled must not abort the revert itself.
	finCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cancelled {
		o.rollback(finCtx, &action, backupVersion, "cancelled by operator")
		o.finalise(finCtx, action, key, handle, true)
		return
	}
	if err != nil {
		// Without post-change visibility the safe decision is revert.
		o.rollback(finCtx, &action, backupVersion, fmt.Sprintf("post-window metrics unavailable: %v", err))
		o.finalise(finCtx, action, key, handle, true)
		return
	}
	action.PostMetrics = post

	if reason, breached := o.guardBreached(action.BaselineMetrics, post); breached {
		o.rollback(finCtx, &action, backupVersion, reason)
		o.finalise(finCtx, action, key, handle, true)
		return
	}

	action.Outcome = models.OutcomeSuccess
	action.FinishedAt = o.now()
	o.finalise(finCtx, action, key, handle, false)
}

func (o *Orchestrator) rollback(ctx context.Context, action *models.RemediationAction, backupVersion, reason string) {
	action.Outcome = models.OutcomeRolledBack
	action.Reason = reason
	action.FinishedAt = o.now()

	if err := o.store.Revert(ctx, action.TargetService, backupVersion); err != nil {
		rollErr := utils.NewAppError("remediation.rollback", utils.KindRollback,
			"rollback failed, configuration state may be inconsistent", err)
		action.Reason = fmt.Sprintf("%s; ROLLBACK FAILED: %v", reason, err)
		o.sink.RemediationEvent(ctx, *action, rollErr.Error())
		o.logger.Error("rollback failed",
			slog.String("action_id", action.ActionID),
			slog.String("service", action.TargetService),
			slog.Any("error", rollErr),
		)
		return
	}
	o.sink.RemediationEvent(ctx, *action, "configuration change rolled back: "+reason)
}

func (o *Orchestrator) finalise(ctx context.Context, action models.RemediationAction, key string, handle *actionHandle, failure bool) {
	if failure {
		o.breaker.RecordFailure()
	} else {
		o.breaker.RecordSuccess()
	}
	metrics.CountRemediation(string(action.Outcome))
	o.persist(ctx, action)
	o.release(ctx, key)

	handle.mu.Lock()
	handle.final = action
	handle.mu.Unlock()
	close(handle.done)
}

// watchPostWindow polls the guard metrics every SampleInterval for the
// duration of the post-change window and returns the mean of the collected
// samples. Individual failed fetches are skipped; a window with no usable
// sample at all counts as unobserved.
func (o *Orchestrator) watchPostWindow(ctx context.Context, service string) (models.MetricBaseline, bool, error) {
	deadline := time.NewTimer(o.cfg.PostWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	var sum models.MetricBaseline
	var lastErr error
	samples := 0

	for {
		select {
		case <-ctx.Done():
			return models.MetricBaseline{}, true, nil
		case <-ticker.C:
			agg, err := o.aggregate(ctx, service, o.cfg.SampleInterval)
			if err != nil {
				lastErr = err
				o.logger.Warn("guard metric sample failed",
					slog.String("service", service), slog.Any("error", err))
				continue
			}
			sum.ErrorRate += agg.ErrorRate
			sum.LatencyMs += agg.LatencyMs
			sum.FailureCount += agg.FailureCount
			samples++
		case <-deadline.C:
			if samples == 0 {
				// Window shorter than the interval, or every poll failed.
				// One whole-window fetch is the last chance to observe.
				agg, err := o.aggregate(ctx, service, o.cfg.PostWindow)
				if err != nil {
					if lastErr != nil {
						err = lastErr
					}
					return models.MetricBaseline{}, false, err
				}
				return agg, false, nil
			}
			n := float64(samples)
			return models.MetricBaseline{
				ErrorRate:    sum.ErrorRate / n,
				LatencyMs:    sum.LatencyMs / n,
				FailureCount: sum.FailureCount / n,
			}, false, nil
		}
	}
}

// guardBreached compares the post-window aggregate against the baseline.
func (o *Orchestrator) guardBreached(base, post models.MetricBaseline) (string, bool) {
	if exceeded(base.ErrorRate, post.ErrorRate, o.cfg.ErrorRateIncrease) {
		return fmt.Sprintf("error rate regressed: %.3f -> %.3f", base.ErrorRate, post.ErrorRate), true
	}
	if exceeded(base.LatencyMs, post.LatencyMs, o.cfg.LatencyIncrease) {
		return fmt.Sprintf("latency regressed: %.1fms -> %.1fms", base.LatencyMs, post.LatencyMs), true
	}
	if exceeded(base.FailureCount, post.FailureCount, o.cfg.FailureIncrease) {
		return fmt.Sprintf("failure count regressed: %.1f -> %.1f", base.FailureCount, post.FailureCount), true
	}
	return "", false
}

func exceeded(base, post, limit float64) bool {
	if base <= 0 {
		return post > 0
	}
	return (post-base)/base > limit
}

func (o *Orchestrator) aggregate(ctx context.Context, service string, window time.Duration) (models.MetricBaseline, error) {
	var baseline models.MetricBaseline
	for _, metricType := range []string{MetricErrorRate, MetricLatency, MetricFailureCount} {
		points, err := o.sampler.GetHistory(ctx, service, metricType, window)
		if err != nil {
			return models.MetricBaseline{}, fmt.Errorf("fetch %s: %w", metricType, err)
		}
		avg := mean(points)
		switch metricType {
		case MetricErrorRate:
			baseline.ErrorRate = avg
		case MetricLatency:
			baseline.LatencyMs = avg
		case MetricFailureCount:
			baseline.FailureCount = avg
		}
	}
	return baseline, nil
}

func mean(points []models.MetricPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

// reject finalises a precondition failure without mutating any state.
func (o *Orchestrator) reject(ctx context.Context, action *models.RemediationAction, reason string, countsForBreaker bool) *models.RemediationAction {
	action.Outcome = models.OutcomeRejected
	action.Reason = reason
	action.FinishedAt = o.now()
	if countsForBreaker {
		o.breaker.RecordFailure()
	}
	metrics.CountRemediation(string(models.OutcomeRejected))
	o.persist(ctx, *action)
	o.logger.Warn("remediation rejected",
		slog.String("action_id", action.ActionID),
		slog.String("service", action.TargetService),
		slog.String("config_key", action.ConfigKey),
		slog.String("reason", reason),
	)
	rejected := *action
	return &rejected
}

func (o *Orchestrator) acquire(ctx context.Context, key, actionID string) bool {
	o.mu.Lock()
	if o.inflight[key] {
		o.mu.Unlock()
		return false
	}
	o.inflight[key] = true
	o.mu.Unlock()

	ok, err := o.locks.SetNX(ctx, "remediation:lock:"+key, []byte(actionID), o.cfg.LockTTL)
	if err != nil {
		o.logger.Warn("distributed lock unavailable, relying on local guard",
			slog.String("key", key), slog.Any("error", err))
		return true
	}
	if !ok {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
		return false
	}
	return true
}

func (o *Orchestrator) release(ctx context.Context, key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
	if err := o.locks.Del(ctx, "remediation:lock:"+key); err != nil {
		o.logger.Warn("distributed lock release failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (o *Orchestrator) persist(ctx context.Context, action models.RemediationAction) {
	if o.actions == nil {
		return
	}
	if err := o.actions.SaveAction(ctx, action); err != nil {
		o.logger.Warn("action persistence failed",
			slog.String("action_id", action.ActionID), slog.Any("error", err))
	}
}

// Await blocks until the action's observation completes and returns the final
// action, or ctx expires. Rejected actions are already final when returned
// from Apply and have no pending observation.
func (o *Orchestrator) Await(ctx context.Context, actionID string) (models.RemediationAction, error) {
	o.mu.Lock()
	handle, ok := o.handles[actionID]
	o.mu.Unlock()
	if !ok {
		return models.RemediationAction{}, utils.NewAppError("remediation.Await", utils.KindInput,
			fmt.Sprintf("no pending action with id %s", actionID), nil)
	}

	select {
	case <-handle.done:
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return handle.final, nil
	case <-ctx.Done():
		return models.RemediationAction{}, ctx.Err()
	}
}

// Cancel aborts a pending observation. The change is reverted to its backup
// so cancellation never leaves the configuration ambiguous.
func (o *Orchestrator) Cancel(actionID string) error {
	o.mu.Lock()
	handle, ok := o.handles[actionID]
	o.mu.Unlock()
	if !ok {
		return utils.NewAppError("remediation.Cancel", utils.KindInput,
			fmt.Sprintf("no pending action with id %s", actionID), nil)
	}
	handle.cancel()
	return nil
}

// Shutdown waits for in-flight observations to finish.
func (o *Orchestrator) Shutdown() {
	o.observations.Wait()
}
