package analyzer

import (
	"math"
	"time"

	"github.com/presagestack/presage-engine/internal/models"
)

// MinSamples is the smallest series length that yields a trend verdict.
const MinSamples = 4

// Config tunes the trend computation. Zero values fall back to defaults.
type Config struct {
	// Alpha is the EMA smoothing factor in (0,1).
	Alpha float64
	// ConsecutiveIncreases is the EMA run length that flags degradation.
	ConsecutiveIncreases int
	// ZThreshold is the anomaly cut-off for the latest sample's z-score.
	ZThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = 0.25
	}
	if c.ConsecutiveIncreases <= 0 {
		c.ConsecutiveIncreases = 3
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = 2.5
	}
	return c
}

// TrendResult is the immutable outcome of one series analysis.
type TrendResult struct {
	EMASeries            []float64
	Slope                float64
	Intercept            float64
	RSquared             float64
	ZScore               float64
	Anomalous            bool
	Degrading            bool
	ConsecutiveIncreases int
	TimeToBreach         time.Duration
	HasBreachEstimate    bool
	LatestValue          float64
	PredictedValue       float64
	Confidence           float64
}

// Analyze computes the trend verdict for one metric series against its breach
// threshold. It is a pure function: identical inputs yield identical results.
// The second return value is false when the series is too short to analyse.
func Analyze(points []models.MetricPoint, threshold float64, cfg Config) (TrendResult, bool) {
	if len(points) < MinSamples {
		return TrendResult{}, false
	}
	cfg = cfg.withDefaults()

	result := TrendResult{
		EMASeries:   ema(points, cfg.Alpha),
		LatestValue: points[len(points)-1].Value,
	}

	result.ConsecutiveIncreases = longestIncreaseRun(result.EMASeries)
	result.Degrading = result.ConsecutiveIncreases >= cfg.ConsecutiveIncreases

	result.Slope, result.Intercept, result.RSquared = regress(points)
	result.ZScore = latestZScore(points)
	result.Anomalous = math.Abs(result.ZScore) > cfg.ZThreshold

	if ttb, ok := breachETA(points, result.Slope, result.Intercept, threshold); ok {
		result.TimeToBreach = ttb
		result.HasBreachEstimate = true
		result.PredictedValue = threshold
	} else {
		result.PredictedValue = result.EMASeries[len(result.EMASeries)-1]
	}

	result.Confidence = confidence(result, cfg)
	return result, true
}

func ema(points []models.MetricPoint, alpha float64) []float64 {
	smoothed := make([]float64, len(points))
	smoothed[0] = points[0].Value
	for i := 1; i < len(points); i++ {
		smoothed[i] = alpha*points[i].Value + (1-alpha)*smoothed[i-1]
	}
	return smoothed
}

func longestIncreaseRun(values []float64) int {
	longest, run := 0, 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[i-1] {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

// regress fits value on elapsed seconds by ordinary least squares.
func regress(points []models.MetricPoint) (slope, intercept, rSquared float64) {
	n := float64(len(points))
	t0 := points[0].Timestamp

	var sumX, sumY float64
	for _, p := range points {
		sumX += p.Timestamp.Sub(t0).Seconds()
		sumY += p.Value
	}
	meanX := sumX / n
	meanY := sumY / n

	var covXY, varX, varY float64
	for _, p := range points {
		dx := p.Timestamp.Sub(t0).Seconds() - meanX
		dy := p.Value - meanY
		covXY += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 {
		return 0, meanY, 0
	}

	slope = covXY / varX
	intercept = meanY - slope*meanX

	if varY == 0 {
		return slope, intercept, 0
	}
	var ssRes float64
	for _, p := range points {
		x := p.Timestamp.Sub(t0).Seconds()
		residual := p.Value - (intercept + slope*x)
		ssRes += residual * residual
	}
	rSquared = clamp(1-ssRes/varY, 0, 1)
	return slope, intercept, rSquared
}

func latestZScore(points []models.MetricPoint) float64 {
	n := float64(len(points))
	mean := 0.0
	for _, p := range points {
		mean += p.Value
	}
	mean /= n

	variance := 0.0
	for _, p := range points {
		variance += (p.Value - mean) * (p.Value - mean)
	}
	variance /= n
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return 0
	}
	return (points[len(points)-1].Value - mean) / stdDev
}

// breachETA estimates remaining time until the regression line crosses the
// threshold. The estimate only holds when the slope actually moves the series
// toward the threshold and the crossing lies in the future.
func breachETA(points []models.MetricPoint, slope, intercept, threshold float64) (time.Duration, bool) {
	if slope == 0 {
		return 0, false
	}
	latest := points[len(points)-1].Value
	if threshold > latest && slope <= 0 {
		return 0, false
	}
	if threshold < latest && slope >= 0 {
		return 0, false
	}

	elapsedLast := points[len(points)-1].Timestamp.Sub(points[0].Timestamp).Seconds()
	crossing := (threshold - intercept) / slope
	remaining := crossing - elapsedLast
	if remaining <= 0 {
		return 0, false
	}
	return time.Duration(remaining * float64(time.Second)), true
}

// confidence combines degradation-run strength, normalised z-score, and
// regression fit quality into a [0,1] score. The weighting is a tunable
// engine choice, not a statistical identity.
func confidence(r TrendResult, cfg Config) float64 {
	runStrength := clamp(float64(r.ConsecutiveIncreases)/float64(cfg.ConsecutiveIncreases), 0, 1)
	zStrength := clamp(math.Abs(r.ZScore)/cfg.ZThreshold, 0, 1)
	return clamp(0.5*runStrength+0.3*zStrength+0.2*r.RSquared, 0, 1)
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
