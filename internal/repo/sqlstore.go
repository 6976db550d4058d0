package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/presagestack/presage-engine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	confidence REAL NOT NULL,
	current_value REAL NOT NULL,
	predicted_value REAL NOT NULL,
	threshold REAL NOT NULL,
	time_to_breach_seconds REAL NOT NULL DEFAULT 0,
	has_breach_estimate INTEGER NOT NULL DEFAULT 0,
	recommended_actions TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	status TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	dedup_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, status);

CREATE TABLE IF NOT EXISTS remediation_actions (
	action_id TEXT PRIMARY KEY,
	target_service TEXT NOT NULL,
	config_key TEXT NOT NULL,
	config_diff TEXT NOT NULL DEFAULT '{}',
	rationale TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMP,
	baseline_metrics TEXT NOT NULL DEFAULT '{}',
	post_metrics TEXT NOT NULL DEFAULT '{}',
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	config_version_before TEXT NOT NULL DEFAULT '',
	config_version_after TEXT NOT NULL DEFAULT '',
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_service ON remediation_actions(target_service, config_key);

CREATE TABLE IF NOT EXISTS validations (
	alert_id TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	source TEXT NOT NULL,
	validated_at TIMESTAMP NOT NULL,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS incidents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	notes TEXT NOT NULL DEFAULT ''
);
`

// SQLStore is the durable record of alerts, remediation actions, validation
// labels, and incidents, backed by SQLite.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens (or creates) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertAlert writes the alert's latest state, insert or update.
func (s *SQLStore) UpsertAlert(ctx context.Context, alert models.Alert) error {
	actions, err := json.Marshal(alert.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal recommended actions: %w", err)
	}

	query := `
		INSERT INTO alerts (id, service, metric_type, severity, confidence, current_value,
			predicted_value, threshold, time_to_breach_seconds, has_breach_estimate,
			recommended_actions, created_at, updated_at, resolved_at, status,
			occurrence_count, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			confidence = excluded.confidence,
			current_value = excluded.current_value,
			predicted_value = excluded.predicted_value,
			time_to_breach_seconds = excluded.time_to_breach_seconds,
			has_breach_estimate = excluded.has_breach_estimate,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at,
			status = excluded.status,
			occurrence_count = excluded.occurrence_count
	`
	_, err = s.db.ExecContext(ctx, query,
		alert.ID, alert.Service, alert.MetricType, string(alert.Severity), alert.Confidence,
		alert.CurrentValue, alert.PredictedValue, alert.Threshold,
		alert.TimeToBreach.Seconds(), alert.HasBreachEstimate,
		string(actions), alert.CreatedAt, alert.UpdatedAt, nullableTime(alert.ResolvedAt),
		string(alert.Status), alert.OccurrenceCount, alert.DedupKey,
	)
	return err
}

// GetAlert loads one alert by ID.
func (s *SQLStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, service, metric_type, severity, confidence, current_value,
			predicted_value, threshold, time_to_breach_seconds, has_breach_estimate,
			recommended_actions, created_at, updated_at, resolved_at, status,
			occurrence_count, dedup_key
		FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	return alert, err
}

// ListAlerts returns the alert log, newest first, optionally filtered by
// status.
func (s *SQLStore) ListAlerts(ctx context.Context, status string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, service, metric_type, severity, confidence, current_value,
			predicted_value, threshold, time_to_breach_seconds, has_breach_estimate,
			recommended_actions, created_at, updated_at, resolved_at, status,
			occurrence_count, dedup_key
		FROM alerts`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]models.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		alert      models.Alert
		severity   string
		status     string
		ttbSeconds float64
		actions    string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&alert.ID, &alert.Service, &alert.MetricType, &severity, &alert.Confidence,
		&alert.CurrentValue, &alert.PredictedValue, &alert.Threshold, &ttbSeconds,
		&alert.HasBreachEstimate, &actions, &alert.CreatedAt, &alert.UpdatedAt,
		&resolvedAt, &status, &alert.OccurrenceCount, &alert.DedupKey)
	if err != nil {
		return nil, err
	}
	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)
	alert.TimeToBreach = time.Duration(ttbSeconds * float64(time.Second))
	if resolvedAt.Valid {
		alert.ResolvedAt = resolvedAt.Time
	}
	if err := json.Unmarshal([]byte(actions), &alert.RecommendedActions); err != nil {
		return nil, fmt.Errorf("decode recommended actions: %w", err)
	}
	return &alert, nil
}

// SaveAction writes the remediation action's latest state, insert or update.
func (s *SQLStore) SaveAction(ctx context.Context, action models.RemediationAction) error {
	diff, err := json.Marshal(action.ConfigDiff)
	if err != nil {
		return fmt.Errorf("marshal config diff: %w", err)
	}
	baseline, err := json.Marshal(action.BaselineMetrics)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	post, err := json.Marshal(action.PostMetrics)
	if err != nil {
		return fmt.Errorf("marshal post metrics: %w", err)
	}

	query := `
		INSERT INTO remediation_actions (action_id, target_service, config_key, config_diff,
			rationale, applied_at, baseline_metrics, post_metrics, outcome, reason,
			config_version_before, config_version_after, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			applied_at = excluded.applied_at,
			baseline_metrics = excluded.baseline_metrics,
			post_metrics = excluded.post_metrics,
			outcome = excluded.outcome,
			reason = excluded.reason,
			config_version_before = excluded.config_version_before,
			config_version_after = excluded.config_version_after,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		action.ActionID, action.TargetService, action.ConfigKey, string(diff),
		action.Rationale, nullableTime(action.AppliedAt), string(baseline), string(post),
		string(action.Outcome), action.Reason,
		action.ConfigVersionBefore, action.ConfigVersionAfter, nullableTime(action.FinishedAt),
	)
	return err
}

// GetAction loads one remediation action by ID.
func (s *SQLStore) GetAction(ctx context.Context, actionID string) (*models.RemediationAction, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT action_id, target_service, config_key, config_diff, rationale, applied_at,
			baseline_metrics, post_metrics, outcome, reason,
			config_version_before, config_version_after, finished_at
		FROM remediation_actions WHERE action_id = ?`, actionID)
	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action not found: %s", actionID)
	}
	return action, err
}

// ListActions returns remediation actions, newest applied first.
func (s *SQLStore) ListActions(ctx context.Context, limit int) ([]models.RemediationAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT action_id, target_service, config_key, config_diff, rationale, applied_at,
			baseline_metrics, post_metrics, outcome, reason,
			config_version_before, config_version_after, finished_at
		FROM remediation_actions ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]models.RemediationAction, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

func scanAction(row rowScanner) (*models.RemediationAction, error) {
	var (
		action     models.RemediationAction
		diff       string
		baseline   string
		post       string
		outcome    string
		appliedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&action.ActionID, &action.TargetService, &action.ConfigKey, &diff,
		&action.Rationale, &appliedAt, &baseline, &post, &outcome, &action.Reason,
		&action.ConfigVersionBefore, &action.ConfigVersionAfter, &finishedAt)
	if err != nil {
		return nil, err
	}
	action.Outcome = models.RemediationOutcome(outcome)
	if appliedAt.Valid {
		action.AppliedAt = appliedAt.Time
	}
	if finishedAt.Valid {
		action.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal([]byte(diff), &action.ConfigDiff); err != nil {
		return nil, fmt.Errorf("decode config diff: %w", err)
	}
	if err := json.Unmarshal([]byte(baseline), &action.BaselineMetrics); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	if err := json.Unmarshal([]byte(post), &action.PostMetrics); err != nil {
		return nil, fmt.Errorf("decode post metrics: %w", err)
	}
	return &action, nil
}

// SaveValidation writes one validation label; a later label for the same
// alert replaces the previous one.
func (s *SQLStore) SaveValidation(ctx context.Context, rec models.ValidationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validations (alert_id, outcome, source, validated_at, notes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			outcome = excluded.outcome,
			source = excluded.source,
			validated_at = excluded.validated_at,
			notes = excluded.notes`,
		rec.AlertID, string(rec.Outcome), string(rec.Source), rec.ValidatedAt, rec.Notes)
	return err
}

// SaveIncident appends one confirmed incident.
func (s *SQLStore) SaveIncident(ctx context.Context, inc models.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (service, metric_type, occurred_at, notes)
		VALUES (?, ?, ?, ?)`,
		inc.Service, inc.MetricType, inc.OccurredAt, inc.Notes)
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
