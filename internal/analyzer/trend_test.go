package analyzer

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/presagestack/presage-engine/internal/models"
)

func seriesFrom(values []float64, step time.Duration) []models.MetricPoint {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	points := make([]models.MetricPoint, 0, len(values))
	for i, v := range values {
		points = append(points, models.MetricPoint{Timestamp: start.Add(time.Duration(i) * step), Value: v})
	}
	return points
}

func TestAnalyzeTooShort(t *testing.T) {
	_, ok := Analyze(seriesFrom([]float64{1, 2, 3}, time.Minute), 10, Config{})
	if ok {
		t.Fatalf("expected no signal for a 3-sample series")
	}
}

func TestAnalyzeStrictlyDecreasingNeverDegrading(t *testing.T) {
	series := seriesFrom([]float64{50, 40, 31, 24, 18, 13}, time.Minute)
	result, ok := Analyze(series, 60, Config{})
	if !ok {
		t.Fatalf("expected a trend result")
	}
	if result.Degrading {
		t.Fatalf("strictly decreasing series must not be degrading")
	}
	if result.ConsecutiveIncreases != 0 {
		t.Fatalf("expected zero-length increase run, got %d", result.ConsecutiveIncreases)
	}
}

func TestAnalyzeStrictlyIncreasingDegrading(t *testing.T) {
	series := seriesFrom([]float64{10, 14, 19, 25, 32}, time.Minute)
	result, ok := Analyze(series, 60, Config{})
	if !ok {
		t.Fatalf("expected a trend result")
	}
	if !result.Degrading {
		t.Fatalf("strictly increasing series must be degrading")
	}
	if result.ConsecutiveIncreases < 3 {
		t.Fatalf("expected run >= 3, got %d", result.ConsecutiveIncreases)
	}
	if !result.HasBreachEstimate || result.TimeToBreach <= 0 {
		t.Fatalf("expected positive breach estimate, got %v", result.TimeToBreach)
	}
}

func TestAnalyzeIsPure(t *testing.T) {
	series := seriesFrom([]float64{10, 12, 15, 19, 23}, time.Minute)
	cfg := Config{Alpha: 0.2, ConsecutiveIncreases: 3, ZThreshold: 2.0}

	first, ok1 := Analyze(series, 30, cfg)
	second, ok2 := Analyze(series, 30, cfg)
	if !ok1 || !ok2 {
		t.Fatalf("expected results from both calls")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results for identical inputs")
	}
}

func TestAnalyzeRampScenario(t *testing.T) {
	// Percent utilisation ramping toward a threshold of 30.
	series := seriesFrom([]float64{10, 12, 15, 19}, time.Minute)
	result, ok := Analyze(series, 30, Config{Alpha: 0.2, ZThreshold: 2.0})
	if !ok {
		t.Fatalf("expected a trend result")
	}
	if !result.Degrading {
		t.Fatalf("expected ramp to be degrading")
	}
	if result.Confidence <= 0.5 {
		t.Fatalf("expected confidence > 0.5, got %f", result.Confidence)
	}
	if !result.HasBreachEstimate {
		t.Fatalf("expected a breach estimate for an upward ramp below threshold")
	}
	if result.PredictedValue != 30 {
		t.Fatalf("expected predicted value at threshold, got %f", result.PredictedValue)
	}
}

func TestAnalyzeRegressionAgainstKnownLine(t *testing.T) {
	// y = 9.5 + 0.05x over x = 0, 60, 120, 180 fits 10,12,15,19 closely.
	series := seriesFrom([]float64{10, 12, 15, 19}, time.Minute)
	result, _ := Analyze(series, 30, Config{Alpha: 0.2, ZThreshold: 2.0})

	if math.Abs(result.Slope-0.05) > 1e-9 {
		t.Fatalf("expected slope 0.05/s, got %f", result.Slope)
	}
	if math.Abs(result.Intercept-9.5) > 1e-9 {
		t.Fatalf("expected intercept 9.5, got %f", result.Intercept)
	}
	// Crossing at x=410s, last sample at 180s.
	if math.Abs(result.TimeToBreach.Seconds()-230) > 1e-6 {
		t.Fatalf("expected 230s to breach, got %v", result.TimeToBreach)
	}
	if result.RSquared < 0.9 {
		t.Fatalf("expected tight fit, got r2 %f", result.RSquared)
	}
}

func TestAnalyzeFlatSeries(t *testing.T) {
	series := seriesFrom([]float64{5, 5, 5, 5, 5}, time.Minute)
	result, ok := Analyze(series, 10, Config{})
	if !ok {
		t.Fatalf("expected a trend result")
	}
	if result.Degrading {
		t.Fatalf("flat series must not degrade")
	}
	if result.HasBreachEstimate {
		t.Fatalf("flat series must not predict a breach")
	}
	if result.ZScore != 0 {
		t.Fatalf("expected zero z-score for flat series, got %f", result.ZScore)
	}
}

func TestAnalyzeNoBreachWhenMovingAway(t *testing.T) {
	// Increasing toward a threshold below the series: slope points away.
	series := seriesFrom([]float64{40, 42, 45, 49}, time.Minute)
	result, _ := Analyze(series, 30, Config{})
	if result.HasBreachEstimate {
		t.Fatalf("slope moving away from threshold must not yield an estimate")
	}
}

func TestAnalyzeAnomalyFlag(t *testing.T) {
	series := seriesFrom([]float64{10, 10, 10, 10, 10, 10, 10, 40}, time.Minute)
	result, _ := Analyze(series, 100, Config{ZThreshold: 2.0})
	if !result.Anomalous {
		t.Fatalf("expected spike to be anomalous, z=%f", result.ZScore)
	}
}
