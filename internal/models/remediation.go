package models

import "time"

// RemediationOutcome enumerates terminal and in-flight action states.
type RemediationOutcome string

const (
	OutcomePending    RemediationOutcome = "pending"
	OutcomeSuccess    RemediationOutcome = "success"
	OutcomeRolledBack RemediationOutcome = "rolled_back"
	OutcomeRejected   RemediationOutcome = "rejected"
)

// Terminal reports whether the outcome will no longer change.
func (o RemediationOutcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeRolledBack || o == OutcomeRejected
}

// Recommendation describes a bounded configuration change proposed for a
// degrading service.
type Recommendation struct {
	Service    string            `json:"service"`
	ConfigKey  string            `json:"config_key"`
	ConfigDiff map[string]string `json:"config_diff"`
	Rationale  string            `json:"rationale"`
}

// MetricBaseline aggregates the guard metrics observed over a window.
type MetricBaseline struct {
	ErrorRate    float64 `json:"error_rate"`
	LatencyMs    float64 `json:"latency_ms"`
	FailureCount float64 `json:"failure_count"`
}

// RemediationAction records one automated configuration change attempt,
// including enough state to revert it.
type RemediationAction struct {
	ActionID            string             `json:"action_id"`
	TargetService       string             `json:"target_service"`
	ConfigKey           string             `json:"config_key"`
	ConfigDiff          map[string]string  `json:"config_diff"`
	Rationale           string             `json:"rationale"`
	AppliedAt           time.Time          `json:"applied_at,omitempty"`
	BaselineMetrics     MetricBaseline     `json:"baseline_metrics"`
	PostMetrics         MetricBaseline     `json:"post_metrics"`
	Outcome             RemediationOutcome `json:"outcome"`
	Reason              string             `json:"reason,omitempty"`
	ConfigVersionBefore string             `json:"config_version_before,omitempty"`
	ConfigVersionAfter  string             `json:"config_version_after,omitempty"`
	FinishedAt          time.Time          `json:"finished_at,omitempty"`
}
