package models

import (
	"fmt"
	"time"
)

// MetricPoint represents a single metric observation.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// SeriesKey identifies a monitored time series.
type SeriesKey struct {
	Service    string `json:"service"`
	MetricType string `json:"metric_type"`
}

// DedupKey returns the identifier grouping recurring alerts for this series.
func (k SeriesKey) DedupKey() string {
	return k.Service + "/" + k.MetricType
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s", k.Service, k.MetricType)
}

// ValidateSeries checks that timestamps are non-decreasing. Upstream providers
// guarantee time order; a violation means the series is malformed and must be
// rejected rather than analysed.
func ValidateSeries(points []MetricPoint) error {
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			return fmt.Errorf("non-monotonic timestamps at index %d", i)
		}
	}
	return nil
}

// MonitorSpec declares one (service, metric_type) watch with its breach
// threshold and optional per-service overrides.
type MonitorSpec struct {
	Service             string   `yaml:"service" json:"service"`
	MetricType          string   `yaml:"metricType" json:"metric_type"`
	Threshold           float64  `yaml:"threshold" json:"threshold"`
	ConfidenceThreshold float64  `yaml:"confidenceThreshold,omitempty" json:"confidence_threshold,omitempty"`
	RecommendedActions  []string `yaml:"recommendedActions,omitempty" json:"recommended_actions,omitempty"`
}

// Key returns the series key for this monitor.
func (m MonitorSpec) Key() SeriesKey {
	return SeriesKey{Service: m.Service, MetricType: m.MetricType}
}
