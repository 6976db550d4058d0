package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presagestack/presage-engine/internal/analyzer"
	"github.com/presagestack/presage-engine/internal/metrics"
	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/utils"
)

// HistoryProvider supplies ordered metric history for one series.
type HistoryProvider interface {
	GetHistory(ctx context.Context, service, metricType string, window time.Duration) ([]models.MetricPoint, error)
}

// AlertSink receives trend results and fresh samples from analysis passes.
type AlertSink interface {
	Ingest(ctx context.Context, key models.SeriesKey, trend analyzer.TrendResult, threshold float64, recommended []string) (*models.Alert, error)
	ObserveSample(ctx context.Context, key models.SeriesKey, value, threshold float64)
}

// AlertRecorder is notified of every raised or updated alert, so accuracy
// tracking can attribute later incidents to it.
type AlertRecorder interface {
	RegisterAlert(alert models.Alert)
}

// Config tunes the periodic analysis driver.
type Config struct {
	Interval      time.Duration
	HistoryWindow time.Duration
	Concurrency   int
	Analyzer      analyzer.Config
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 2 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Driver runs periodic analysis passes over all monitored series. Independent
// series are analyzed concurrently within a pass; successive passes never
// overlap.
type Driver struct {
	logger   *slog.Logger
	cfg      Config
	provider HistoryProvider
	sink     AlertSink
	recorder AlertRecorder
	monitors []models.MonitorSpec

	running atomic.Bool
}

// NewDriver constructs the analysis driver. recorder may be nil.
func NewDriver(logger *slog.Logger, cfg Config, provider HistoryProvider, sink AlertSink, recorder AlertRecorder, monitors []models.MonitorSpec) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		logger:   logger,
		cfg:      cfg.withDefaults(),
		provider: provider,
		sink:     sink,
		recorder: recorder,
		monitors: monitors,
	}
}

// Run drives passes on the configured interval until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("analysis scheduler started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("monitored_series", len(d.monitors)),
	)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("analysis scheduler stopped")
			return
		case <-ticker.C:
			if _, err := d.RunPass(ctx); err != nil {
				d.logger.Warn("analysis pass skipped", slog.Any("error", err))
			}
		}
	}
}

// RunPass executes one analysis pass over every monitored series and returns
// the structured batch result. A pass with zero alerts is a success; Success
// is false only when the metric provider was unreachable for every series.
// A second call while a pass is in flight returns an error without running.
func (d *Driver) RunPass(ctx context.Context) (models.BatchAnalysisResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		return models.BatchAnalysisResult{}, utils.NewAppError("scheduler.RunPass", utils.KindInternal,
			"analysis pass already in flight", nil)
	}
	defer d.running.Store(false)

	start := time.Now()
	result := models.BatchAnalysisResult{Success: true, Timestamp: start}

	var (
		mu            sync.Mutex
		wg            sync.WaitGroup
		fetchFailures int
	)
	sem := make(chan struct{}, d.cfg.Concurrency)

	for _, spec := range d.monitors {
		spec := spec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			summary, failed, fetchFailed := d.analyzeSeries(ctx, spec)

			mu.Lock()
			defer mu.Unlock()
			if failed != nil {
				result.FailedSeries = append(result.FailedSeries, *failed)
			}
			if fetchFailed {
				fetchFailures++
			}
			if summary != nil {
				result.Alerts = append(result.Alerts, *summary)
				result.AlertsGenerated++
			}
		}()
	}
	wg.Wait()

	if len(d.monitors) > 0 && fetchFailures == len(d.monitors) {
		result.Success = false
	}
	result.DurationSeconds = time.Since(start).Seconds()

	outcome := metrics.OutcomeSuccess
	if !result.Success {
		outcome = metrics.OutcomeError
	}
	metrics.ObservePass(time.Since(start), outcome)

	d.logger.Info("analysis pass complete",
		slog.Int("alerts_generated", result.AlertsGenerated),
		slog.Int("failed_series", len(result.FailedSeries)),
		slog.Float64("duration_seconds", result.DurationSeconds),
	)
	return result, nil
}

// analyzeSeries handles one series with fault containment: a missing history
// or malformed series skips that series only and never aborts the pass.
func (d *Driver) analyzeSeries(ctx context.Context, spec models.MonitorSpec) (*models.AlertSummary, *models.FailedSeries, bool) {
	key := spec.Key()

	points, err := d.provider.GetHistory(ctx, spec.Service, spec.MetricType, d.cfg.HistoryWindow)
	if err != nil {
		d.logger.Warn("series history unavailable, skipping",
			slog.String("series", key.String()), slog.Any("error", err))
		return nil, &models.FailedSeries{
			Service:    spec.Service,
			MetricType: spec.MetricType,
			Reason:     fmt.Sprintf("history unavailable: %v", err),
		}, true
	}
	if err := models.ValidateSeries(points); err != nil {
		d.logger.Warn("malformed series rejected",
			slog.String("series", key.String()), slog.Any("error", err))
		return nil, &models.FailedSeries{
			Service:    spec.Service,
			MetricType: spec.MetricType,
			Reason:     fmt.Sprintf("malformed series: %v", err),
		}, false
	}

	trend, ok := analyzer.Analyze(points, spec.Threshold, d.cfg.Analyzer)
	if !ok {
		if len(points) > 0 {
			d.sink.ObserveSample(ctx, key, points[len(points)-1].Value, spec.Threshold)
		}
		return nil, nil, false
	}

	alert, err := d.sink.Ingest(ctx, key, trend, spec.Threshold, spec.RecommendedActions)
	if err != nil {
		return nil, &models.FailedSeries{
			Service:    spec.Service,
			MetricType: spec.MetricType,
			Reason:     fmt.Sprintf("alert ingest failed: %v", err),
		}, false
	}
	if alert == nil {
		// Healthy sample: advances the auto-resolve streak for any open alert.
		d.sink.ObserveSample(ctx, key, trend.LatestValue, spec.Threshold)
		return nil, nil, false
	}

	if d.recorder != nil {
		d.recorder.RegisterAlert(*alert)
	}

	summary := &models.AlertSummary{
		AlertID:            alert.ID,
		ServiceName:        alert.Service,
		MetricType:         alert.MetricType,
		Severity:           alert.Severity,
		Confidence:         alert.Confidence,
		CurrentValue:       alert.CurrentValue,
		PredictedValue:     alert.PredictedValue,
		Threshold:          alert.Threshold,
		RecommendedActions: alert.RecommendedActions,
	}
	if alert.HasBreachEstimate {
		summary.TimeToBreachSecs = alert.TimeToBreach.Seconds()
	}
	return summary, nil, false
}
