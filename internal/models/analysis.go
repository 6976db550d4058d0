package models

import "time"

// AlertSummary is the wire representation of one generated alert in a batch
// analysis result.
type AlertSummary struct {
	AlertID            string   `json:"alert_id"`
	ServiceName        string   `json:"service_name"`
	MetricType         string   `json:"metric_type"`
	Severity           Severity `json:"severity"`
	Confidence         float64  `json:"confidence"`
	CurrentValue       float64  `json:"current_value"`
	PredictedValue     float64  `json:"predicted_value"`
	Threshold          float64  `json:"threshold"`
	TimeToBreachSecs   float64  `json:"time_to_breach_seconds,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// FailedSeries identifies a series skipped during a pass and why.
type FailedSeries struct {
	Service    string `json:"service"`
	MetricType string `json:"metric_type"`
	Reason     string `json:"reason"`
}

// BatchAnalysisResult is the structured outcome of one analysis pass. A pass
// with zero alerts is a success; Success is false only when the pass itself
// could not complete.
type BatchAnalysisResult struct {
	Success         bool           `json:"success"`
	AlertsGenerated int            `json:"alerts_generated"`
	Alerts          []AlertSummary `json:"alerts"`
	FailedSeries    []FailedSeries `json:"failed_series,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationSeconds float64        `json:"duration_seconds"`
}
