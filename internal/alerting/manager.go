package alerting

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/presagestack/presage-engine/internal/analyzer"
	"github.com/presagestack/presage-engine/internal/metrics"
	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/utils"
)

const shardCount = 16

// HistoryStore persists the append-only alert log. Open alerts are written on
// every mutation so a restart keeps the historical record intact.
type HistoryStore interface {
	UpsertAlert(ctx context.Context, alert models.Alert) error
}

// Config tunes alert lifecycle behaviour.
type Config struct {
	ConfidenceThreshold float64
	DedupWindow         time.Duration
	ResolveSamples      int
	DeliveryTimeout     time.Duration
	DeliveryRetries     int
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.75
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 60 * time.Minute
	}
	if c.ResolveSamples <= 0 {
		c.ResolveSamples = 3
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.DeliveryRetries <= 0 {
		c.DeliveryRetries = 3
	}
	return c
}

type shard struct {
	mu            sync.Mutex
	open          map[string]*models.Alert
	resolveStreak map[string]int
}

// Manager owns the open-alert map and the alert lifecycle: raise, dedup,
// deliver, resolve, archive. State is sharded per dedup key so independent
// services never serialise on each other.
type Manager struct {
	logger    *slog.Logger
	cfg       Config
	store     HistoryStore
	notifiers []Notifier
	shards    [shardCount]*shard

	overrideMu sync.RWMutex
	overrides  map[string]float64

	deliveries sync.WaitGroup
	now        func() time.Time
}

// NewManager constructs the predictive alert manager.
func NewManager(logger *slog.Logger, cfg Config, store HistoryStore, notifiers []Notifier) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		store:     store,
		notifiers: notifiers,
		overrides: make(map[string]float64),
		now:       time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			open:          make(map[string]*models.Alert),
			resolveStreak: make(map[string]int),
		}
	}
	return m
}

// SetConfidenceThreshold installs a per-service override. Tuning suggestions
// from the validation tracker are applied through this call, never implicitly.
func (m *Manager) SetConfidenceThreshold(service string, threshold float64) {
	m.overrideMu.Lock()
	defer m.overrideMu.Unlock()
	m.overrides[service] = threshold
}

// ThresholdFor returns the effective confidence threshold for a service.
func (m *Manager) ThresholdFor(service string) float64 {
	m.overrideMu.RLock()
	defer m.overrideMu.RUnlock()
	if v, ok := m.overrides[service]; ok {
		return v
	}
	return m.cfg.ConfidenceThreshold
}

func (m *Manager) shardFor(dedupKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dedupKey))
	return m.shards[h.Sum32()%shardCount]
}

// Ingest evaluates one trend result and raises or updates an alert as needed.
// Returns nil when no alert action was warranted.
func (m *Manager) Ingest(ctx context.Context, key models.SeriesKey, trend analyzer.TrendResult, threshold float64, recommended []string) (*models.Alert, error) {
	if !trend.Degrading && !trend.HasBreachEstimate {
		return nil, nil
	}
	if trend.Confidence < m.ThresholdFor(key.Service) {
		return nil, nil
	}

	dedupKey := key.DedupKey()
	s := m.shardFor(dedupKey)
	now := m.now()

	s.mu.Lock()
	existing, ok := s.open[dedupKey]
	if ok {
		withinWindow := now.Sub(existing.UpdatedAt) <= m.cfg.DedupWindow
		existing.OccurrenceCount++
		existing.Confidence = trend.Confidence
		existing.CurrentValue = trend.LatestValue
		existing.PredictedValue = trend.PredictedValue
		existing.TimeToBreach = trend.TimeToBreach
		existing.HasBreachEstimate = trend.HasBreachEstimate
		existing.Severity = severityFor(trend)
		existing.UpdatedAt = now
		updated := existing.Clone()
		s.mu.Unlock()

		m.persist(ctx, updated)
		if !withinWindow {
			// Recurrence after the dedup window warrants a fresh notification.
			m.fanOut(updated)
		}
		return &updated, nil
	}

	alert := &models.Alert{
		ID:                 uuid.NewString(),
		Service:            key.Service,
		MetricType:         key.MetricType,
		Severity:           severityFor(trend),
		Confidence:         trend.Confidence,
		CurrentValue:       trend.LatestValue,
		PredictedValue:     trend.PredictedValue,
		Threshold:          threshold,
		TimeToBreach:       trend.TimeToBreach,
		HasBreachEstimate:  trend.HasBreachEstimate,
		RecommendedActions: append([]string(nil), recommended...),
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             models.AlertOpen,
		OccurrenceCount:    1,
		DedupKey:           dedupKey,
	}
	s.open[dedupKey] = alert
	s.resolveStreak[dedupKey] = 0
	raised := alert.Clone()
	s.mu.Unlock()

	metrics.CountAlert(string(raised.Severity))
	m.persist(ctx, raised)
	m.fanOut(raised)

	m.logger.Info("predictive alert raised",
		slog.String("alert_id", raised.ID),
		slog.String("service", raised.Service),
		slog.String("metric_type", raised.MetricType),
		slog.String("severity", string(raised.Severity)),
		slog.Float64("confidence", raised.Confidence),
	)
	return &raised, nil
}

// ObserveSample feeds a fresh metric sample into resolution tracking. Once the
// metric stays below threshold for the configured number of consecutive
// samples, the open alert resolves automatically.
func (m *Manager) ObserveSample(ctx context.Context, key models.SeriesKey, value, threshold float64) {
	dedupKey := key.DedupKey()
	s := m.shardFor(dedupKey)

	s.mu.Lock()
	alert, ok := s.open[dedupKey]
	if !ok {
		s.mu.Unlock()
		return
	}
	if value >= threshold {
		s.resolveStreak[dedupKey] = 0
		s.mu.Unlock()
		return
	}
	s.resolveStreak[dedupKey]++
	if s.resolveStreak[dedupKey] < m.cfg.ResolveSamples {
		s.mu.Unlock()
		return
	}
	resolved := m.resolveLocked(s, alert)
	s.mu.Unlock()

	m.persist(ctx, resolved)
	m.logger.Info("alert auto-resolved",
		slog.String("alert_id", resolved.ID),
		slog.String("service", resolved.Service),
		slog.String("metric_type", resolved.MetricType),
	)
}

// Resolve closes an open alert by ID on an explicit operator signal.
func (m *Manager) Resolve(ctx context.Context, alertID string) (*models.Alert, error) {
	for _, s := range m.shards {
		s.mu.Lock()
		for _, alert := range s.open {
			if alert.ID != alertID {
				continue
			}
			resolved := m.resolveLocked(s, alert)
			s.mu.Unlock()
			m.persist(ctx, resolved)
			return &resolved, nil
		}
		s.mu.Unlock()
	}
	return nil, utils.NewAppError("alerting.Resolve", utils.KindInput,
		fmt.Sprintf("no open alert with id %s", alertID), nil)
}

// resolveLocked transitions the alert and drops it from the open map. Callers
// hold the shard lock.
func (m *Manager) resolveLocked(s *shard, alert *models.Alert) models.Alert {
	alert.Status = models.AlertResolved
	alert.ResolvedAt = m.now()
	alert.UpdatedAt = alert.ResolvedAt
	delete(s.open, alert.DedupKey)
	delete(s.resolveStreak, alert.DedupKey)
	return alert.Clone()
}

// GetOpen returns the open alert for a dedup key, if any.
func (m *Manager) GetOpen(dedupKey string) (models.Alert, bool) {
	s := m.shardFor(dedupKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert, ok := s.open[dedupKey]; ok {
		return alert.Clone(), true
	}
	return models.Alert{}, false
}

// OpenAlerts snapshots all currently open alerts.
func (m *Manager) OpenAlerts() []models.Alert {
	alerts := make([]models.Alert, 0)
	for _, s := range m.shards {
		s.mu.Lock()
		for _, alert := range s.open {
			alerts = append(alerts, alert.Clone())
		}
		s.mu.Unlock()
	}
	return alerts
}

func (m *Manager) persist(ctx context.Context, alert models.Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertAlert(ctx, alert); err != nil {
		m.logger.Warn("alert persistence failed",
			slog.String("alert_id", alert.ID), slog.Any("error", err))
	}
}

// fanOut delivers the alert to every notifier off the analysis loop's critical
// path. Failures retry up to the configured bound and are then logged as
// delivery-failed; the alert's tracked state is unaffected either way.
func (m *Manager) fanOut(alert models.Alert) {
	for _, notifier := range m.notifiers {
		notifier := notifier
		m.deliveries.Add(1)
		go func() {
			defer m.deliveries.Done()
			m.deliver(notifier, alert)
		}()
	}
}

func (m *Manager) deliver(notifier Notifier, alert models.Alert) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.DeliveryRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeliveryTimeout)
		lastErr = notifier.Send(ctx, alert)
		cancel()
		if lastErr == nil {
			metrics.CountNotification(metrics.OutcomeSuccess)
			return
		}
	}
	metrics.CountNotification(metrics.OutcomeError)
	err := utils.NewAppError("alerting.deliver", utils.KindDelivery,
		fmt.Sprintf("delivery to %s failed after %d attempts", notifier.Name(), m.cfg.DeliveryRetries), lastErr)
	m.logger.Error("alert delivery failed",
		slog.String("alert_id", alert.ID),
		slog.String("notifier", notifier.Name()),
		slog.Any("error", err),
	)
}

// WaitForDeliveries blocks until all in-flight notification goroutines finish.
func (m *Manager) WaitForDeliveries() {
	m.deliveries.Wait()
}

func severityFor(trend analyzer.TrendResult) models.Severity {
	switch {
	case trend.HasBreachEstimate && trend.TimeToBreach < time.Hour && trend.Confidence > 0.9:
		return models.SeverityCritical
	case trend.HasBreachEstimate && trend.TimeToBreach < 4*time.Hour && trend.Confidence > 0.8:
		return models.SeverityHigh
	case trend.Degrading && !trend.HasBreachEstimate:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
