package models

import "time"

// ValidationOutcome labels whether a predictive alert preceded a real incident.
type ValidationOutcome string

const (
	ValidationTruePositive  ValidationOutcome = "true_positive"
	ValidationFalsePositive ValidationOutcome = "false_positive"
	ValidationUnknown       ValidationOutcome = "unknown"
)

// ValidationSource distinguishes operator labels from automatic inference.
// Human labels always win over automatic ones for the same alert.
type ValidationSource string

const (
	SourceHuman     ValidationSource = "human"
	SourceAutomatic ValidationSource = "automatic"
)

// ValidationRecord labels one alert's accuracy.
type ValidationRecord struct {
	AlertID     string            `json:"alert_id"`
	Outcome     ValidationOutcome `json:"outcome"`
	Source      ValidationSource  `json:"source"`
	ValidatedAt time.Time         `json:"validated_at"`
	Notes       string            `json:"notes,omitempty"`
}

// Incident records a confirmed real degradation, used to detect missed alerts.
type Incident struct {
	Service    string    `json:"service"`
	MetricType string    `json:"metric_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Notes      string    `json:"notes,omitempty"`
}

// AccuracyReport summarises predictive accuracy over a reporting window.
type AccuracyReport struct {
	WindowStart       time.Time          `json:"window_start"`
	WindowEnd         time.Time          `json:"window_end"`
	TruePositives     int                `json:"true_positives"`
	FalsePositives    int                `json:"false_positives"`
	FalseNegatives    int                `json:"false_negatives"`
	Precision         float64            `json:"precision"`
	Recall            float64            `json:"recall"`
	F1                float64            `json:"f1"`
	FalsePositiveRate float64            `json:"false_positive_rate"`
	Suggestions       []TuningSuggestion `json:"suggestions,omitempty"`
}

// TuningSuggestion advises a confidence-threshold adjustment. Suggestions are
// advisory output only; they are never applied automatically.
type TuningSuggestion struct {
	Service          string  `json:"service"`
	CurrentThreshold float64 `json:"current_threshold"`
	SuggestedValue   float64 `json:"suggested_value"`
	Reason           string  `json:"reason"`
}
