package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/presagestack/presage-engine/internal/alerting"
	"github.com/presagestack/presage-engine/internal/analyzer"
	"github.com/presagestack/presage-engine/internal/models"
)

type fakeProvider struct {
	mu     sync.Mutex
	series map[string][]models.MetricPoint
	errs   map[string]error
	block  chan struct{}
}

func (p *fakeProvider) GetHistory(ctx context.Context, service, metricType string, window time.Duration) ([]models.MetricPoint, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := service + "/" + metricType
	if err := p.errs[key]; err != nil {
		return nil, err
	}
	return p.series[key], nil
}

type memoryStore struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
}

func (s *memoryStore) UpsertAlert(ctx context.Context, alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerts == nil {
		s.alerts = make(map[string]models.Alert)
	}
	s.alerts[alert.ID] = alert
	return nil
}

type recordingRecorder struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *recordingRecorder) RegisterAlert(alert models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func risingSeries(base time.Time) []models.MetricPoint {
	values := []float64{10, 12, 15, 19}
	points := make([]models.MetricPoint, len(values))
	for i, v := range values {
		points[i] = models.MetricPoint{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return points
}

func flatSeries(base time.Time) []models.MetricPoint {
	points := make([]models.MetricPoint, 6)
	for i := range points {
		points[i] = models.MetricPoint{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: 5}
	}
	return points
}

func testConfig() Config {
	return Config{
		HistoryWindow: 2 * time.Hour,
		Analyzer:      analyzer.Config{Alpha: 0.2},
	}
}

func TestRunPassGeneratesAlerts(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	provider := &fakeProvider{series: map[string][]models.MetricPoint{
		"checkout/connection_pool_usage": risingSeries(base),
	}}
	manager := alerting.NewManager(nil, alerting.Config{}, &memoryStore{}, nil)
	recorder := &recordingRecorder{}

	driver := NewDriver(nil, testConfig(), provider, manager, recorder, []models.MonitorSpec{
		{Service: "checkout", MetricType: "connection_pool_usage", Threshold: 30,
			RecommendedActions: []string{"increase pool size"}},
	})

	result, err := driver.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful pass")
	}
	if result.AlertsGenerated != 1 || len(result.Alerts) != 1 {
		t.Fatalf("expected one generated alert, got %+v", result)
	}

	summary := result.Alerts[0]
	if summary.ServiceName != "checkout" || summary.MetricType != "connection_pool_usage" {
		t.Fatalf("unexpected summary identity: %+v", summary)
	}
	if summary.TimeToBreachSecs <= 0 {
		t.Fatalf("expected a breach estimate for a rising series, got %+v", summary)
	}
	if len(summary.RecommendedActions) != 1 {
		t.Fatalf("expected recommended actions on the summary")
	}
	if len(recorder.alerts) != 1 {
		t.Fatalf("expected the alert registered for validation tracking")
	}
	if _, ok := manager.GetOpen("checkout/connection_pool_usage"); !ok {
		t.Fatalf("expected an open alert in the manager")
	}
}

func TestRunPassIsolatesSeriesFailures(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	badSeries := []models.MetricPoint{
		{Timestamp: base.Add(time.Minute), Value: 1},
		{Timestamp: base, Value: 2}, // out of order
	}
	provider := &fakeProvider{
		series: map[string][]models.MetricPoint{
			"checkout/error_rate": risingSeries(base),
			"billing/error_rate":  badSeries,
		},
		errs: map[string]error{
			"search/error_rate": errors.New("telemetry timeout"),
		},
	}
	manager := alerting.NewManager(nil, alerting.Config{}, &memoryStore{}, nil)
	driver := NewDriver(nil, testConfig(), provider, manager, nil, []models.MonitorSpec{
		{Service: "checkout", MetricType: "error_rate", Threshold: 30},
		{Service: "billing", MetricType: "error_rate", Threshold: 30},
		{Service: "search", MetricType: "error_rate", Threshold: 30},
	})

	result, err := driver.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if !result.Success {
		t.Fatalf("partial failure must not fail the pass")
	}
	if result.AlertsGenerated != 1 {
		t.Fatalf("expected the healthy series to still alert, got %d", result.AlertsGenerated)
	}
	if len(result.FailedSeries) != 2 {
		t.Fatalf("expected two failed series, got %+v", result.FailedSeries)
	}
}

func TestRunPassFailsWhenProviderUnreachable(t *testing.T) {
	provider := &fakeProvider{errs: map[string]error{
		"a/error_rate": errors.New("connection refused"),
		"b/error_rate": errors.New("connection refused"),
	}}
	manager := alerting.NewManager(nil, alerting.Config{}, &memoryStore{}, nil)
	driver := NewDriver(nil, testConfig(), provider, manager, nil, []models.MonitorSpec{
		{Service: "a", MetricType: "error_rate", Threshold: 30},
		{Service: "b", MetricType: "error_rate", Threshold: 30},
	})

	result, err := driver.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure when every series is unreachable")
	}
}

func TestRunPassRejectsOverlap(t *testing.T) {
	provider := &fakeProvider{
		series: map[string][]models.MetricPoint{},
		block:  make(chan struct{}),
	}
	manager := alerting.NewManager(nil, alerting.Config{}, &memoryStore{}, nil)
	driver := NewDriver(nil, testConfig(), provider, manager, nil, []models.MonitorSpec{
		{Service: "slow", MetricType: "latency", Threshold: 500},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = driver.RunPass(context.Background())
	}()

	// Wait for the first pass to take the slot, then try to overlap it.
	deadline := time.After(2 * time.Second)
	for !driver.running.Load() {
		select {
		case <-deadline:
			t.Fatalf("first pass never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if _, err := driver.RunPass(context.Background()); err == nil {
		t.Fatalf("expected overlap rejection while a pass is in flight")
	}

	close(provider.block)
	<-done

	if _, err := driver.RunPass(context.Background()); err != nil {
		t.Fatalf("expected pass to run once the previous finished: %v", err)
	}
}

func TestHealthySeriesAdvancesResolution(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	provider := &fakeProvider{series: map[string][]models.MetricPoint{
		"checkout/error_rate": risingSeries(base),
	}}
	manager := alerting.NewManager(nil, alerting.Config{ResolveSamples: 3}, &memoryStore{}, nil)
	driver := NewDriver(nil, testConfig(), provider, manager, nil, []models.MonitorSpec{
		{Service: "checkout", MetricType: "error_rate", Threshold: 30},
	})

	if _, err := driver.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if _, ok := manager.GetOpen("checkout/error_rate"); !ok {
		t.Fatalf("expected an open alert")
	}

	// The series recovers; three healthy passes auto-resolve the alert.
	provider.mu.Lock()
	provider.series["checkout/error_rate"] = flatSeries(base)
	provider.mu.Unlock()

	for i := 0; i < 3; i++ {
		if _, err := driver.RunPass(context.Background()); err != nil {
			t.Fatalf("run pass %d: %v", i, err)
		}
	}
	if _, ok := manager.GetOpen("checkout/error_rate"); ok {
		t.Fatalf("expected the alert auto-resolved after recovery")
	}
}
