package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/presagestack/presage-engine/internal/analyzer"
	"github.com/presagestack/presage-engine/internal/models"
)

type memoryStore struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
}

func newMemoryStore() *memoryStore {
	return &memoryStore{alerts: make(map[string]models.Alert)}
}

func (s *memoryStore) UpsertAlert(ctx context.Context, alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	sent  int
	fail  bool
	calls int
}

func (n *countingNotifier) Name() string { return "counting" }

func (n *countingNotifier) Send(ctx context.Context, alert models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.fail {
		return errors.New("channel down")
	}
	n.sent++
	return nil
}

func degradingTrend(confidence float64, ttb time.Duration) analyzer.TrendResult {
	return analyzer.TrendResult{
		Degrading:            true,
		ConsecutiveIncreases: 3,
		Confidence:           confidence,
		LatestValue:          25,
		PredictedValue:       30,
		TimeToBreach:         ttb,
		HasBreachEstimate:    ttb > 0,
	}
}

func TestIngestBelowConfidenceThreshold(t *testing.T) {
	manager := NewManager(nil, Config{ConfidenceThreshold: 0.75}, newMemoryStore(), nil)

	alert, err := manager.Ingest(context.Background(), models.SeriesKey{Service: "checkout", MetricType: "error_rate"},
		degradingTrend(0.5, time.Hour), 30, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert != nil {
		t.Fatalf("expected no alert below confidence threshold")
	}
}

func TestIngestDeduplicatesWithinWindow(t *testing.T) {
	store := newMemoryStore()
	notifier := &countingNotifier{}
	manager := NewManager(nil, Config{DedupWindow: 10 * time.Minute}, store, []Notifier{notifier})

	key := models.SeriesKey{Service: "svc-x", MetricType: "connection_pool_usage"}
	first, err := manager.Ingest(context.Background(), key, degradingTrend(0.85, 2*time.Hour), 30, nil)
	if err != nil || first == nil {
		t.Fatalf("expected first alert, err=%v", err)
	}
	second, err := manager.Ingest(context.Background(), key, degradingTrend(0.9, 90*time.Minute), 30, nil)
	if err != nil || second == nil {
		t.Fatalf("expected updated alert, err=%v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected dedup to update the same alert")
	}
	if second.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence count 2, got %d", second.OccurrenceCount)
	}

	open := manager.OpenAlerts()
	if len(open) != 1 {
		t.Fatalf("expected exactly one open alert, got %d", len(open))
	}

	manager.WaitForDeliveries()
	if notifier.sent != 1 {
		t.Fatalf("expected one notification within dedup window, got %d", notifier.sent)
	}
}

func TestIngestRenotifiesAfterDedupWindow(t *testing.T) {
	notifier := &countingNotifier{}
	manager := NewManager(nil, Config{DedupWindow: 10 * time.Minute}, newMemoryStore(), []Notifier{notifier})

	current := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return current }

	key := models.SeriesKey{Service: "svc-y", MetricType: "error_rate"}
	if _, err := manager.Ingest(context.Background(), key, degradingTrend(0.85, 2*time.Hour), 30, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	current = current.Add(30 * time.Minute)
	updated, err := manager.Ingest(context.Background(), key, degradingTrend(0.85, time.Hour), 30, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if updated.OccurrenceCount != 2 {
		t.Fatalf("expected occurrence 2, got %d", updated.OccurrenceCount)
	}

	manager.WaitForDeliveries()
	if notifier.sent != 2 {
		t.Fatalf("expected re-notification after dedup window, got %d deliveries", notifier.sent)
	}
}

func TestSeverityBucketing(t *testing.T) {
	cases := []struct {
		name  string
		trend analyzer.TrendResult
		want  models.Severity
	}{
		{"critical", degradingTrend(0.95, 30 * time.Minute), models.SeverityCritical},
		{"high", degradingTrend(0.85, 2 * time.Hour), models.SeverityHigh},
		{"medium", degradingTrend(0.85, 0), models.SeverityMedium},
		{"low", degradingTrend(0.85, 10 * time.Hour), models.SeverityLow},
	}
	for _, tc := range cases {
		if got := severityFor(tc.trend); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDeliveryFailureKeepsAlertState(t *testing.T) {
	notifier := &countingNotifier{fail: true}
	manager := NewManager(nil, Config{DeliveryRetries: 3, DeliveryTimeout: time.Second}, newMemoryStore(), []Notifier{notifier})

	key := models.SeriesKey{Service: "svc-z", MetricType: "latency"}
	alert, err := manager.Ingest(context.Background(), key, degradingTrend(0.9, 2*time.Hour), 500, nil)
	if err != nil || alert == nil {
		t.Fatalf("expected alert despite failing notifier")
	}

	manager.WaitForDeliveries()
	if notifier.calls != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", notifier.calls)
	}
	if _, ok := manager.GetOpen(key.DedupKey()); !ok {
		t.Fatalf("alert state must survive delivery failure")
	}
}

func TestAutoResolveAfterConsecutiveSamples(t *testing.T) {
	store := newMemoryStore()
	manager := NewManager(nil, Config{ResolveSamples: 3}, store, nil)

	key := models.SeriesKey{Service: "svc-r", MetricType: "error_rate"}
	if _, err := manager.Ingest(context.Background(), key, degradingTrend(0.9, 2*time.Hour), 30, nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	ctx := context.Background()
	manager.ObserveSample(ctx, key, 10, 30)
	manager.ObserveSample(ctx, key, 40, 30) // breach resets the streak
	manager.ObserveSample(ctx, key, 10, 30)
	manager.ObserveSample(ctx, key, 12, 30)
	if _, ok := manager.GetOpen(key.DedupKey()); !ok {
		t.Fatalf("alert must stay open until the streak completes")
	}

	manager.ObserveSample(ctx, key, 9, 30)
	if _, ok := manager.GetOpen(key.DedupKey()); ok {
		t.Fatalf("expected auto-resolution after 3 consecutive healthy samples")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, alert := range store.alerts {
		if alert.Status != models.AlertResolved {
			t.Fatalf("expected archived alert to be resolved, got %s", alert.Status)
		}
	}
}

func TestManualResolve(t *testing.T) {
	manager := NewManager(nil, Config{}, newMemoryStore(), nil)

	key := models.SeriesKey{Service: "svc-m", MetricType: "error_rate"}
	alert, err := manager.Ingest(context.Background(), key, degradingTrend(0.9, 2*time.Hour), 30, nil)
	if err != nil || alert == nil {
		t.Fatalf("expected alert")
	}

	resolved, err := manager.Resolve(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != models.AlertResolved {
		t.Fatalf("expected resolved status, got %s", resolved.Status)
	}
	if _, err := manager.Resolve(context.Background(), alert.ID); err == nil {
		t.Fatalf("expected error resolving an already-resolved alert")
	}
}

func TestPerServiceThresholdOverride(t *testing.T) {
	manager := NewManager(nil, Config{ConfidenceThreshold: 0.75}, newMemoryStore(), nil)
	manager.SetConfidenceThreshold("fussy-svc", 0.95)

	key := models.SeriesKey{Service: "fussy-svc", MetricType: "error_rate"}
	alert, err := manager.Ingest(context.Background(), key, degradingTrend(0.9, 2*time.Hour), 30, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert != nil {
		t.Fatalf("override should suppress 0.9-confidence alerts")
	}
	if manager.ThresholdFor("other-svc") != 0.75 {
		t.Fatalf("expected default threshold for other services")
	}
}
