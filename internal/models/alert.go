package models

import "time"

// Severity captures predicted impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus enumerates alert lifecycle states.
type AlertStatus string

const (
	AlertOpen       AlertStatus = "open"
	AlertResolved   AlertStatus = "resolved"
	AlertSuppressed AlertStatus = "suppressed"
)

// Alert is a predictive alert raised ahead of an expected threshold breach.
// At most one open alert exists per dedup key; recurring signals within the
// dedup window update the open alert in place.
type Alert struct {
	ID                 string        `json:"id"`
	Service            string        `json:"service"`
	MetricType         string        `json:"metric_type"`
	Severity           Severity      `json:"severity"`
	Confidence         float64       `json:"confidence"`
	CurrentValue       float64       `json:"current_value"`
	PredictedValue     float64       `json:"predicted_value"`
	Threshold          float64       `json:"threshold"`
	TimeToBreach       time.Duration `json:"time_to_breach,omitempty"`
	HasBreachEstimate  bool          `json:"has_breach_estimate"`
	RecommendedActions []string      `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	ResolvedAt         time.Time     `json:"resolved_at,omitempty"`
	Status             AlertStatus   `json:"status"`
	OccurrenceCount    int           `json:"occurrence_count"`
	DedupKey           string        `json:"dedup_key"`
}

// Clone returns a copy safe to hand across component boundaries.
func (a Alert) Clone() Alert {
	copied := a
	copied.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	return copied
}
