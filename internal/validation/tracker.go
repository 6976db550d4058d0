package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/utils"
)

// Store persists validation records and incidents for offline analysis.
type Store interface {
	SaveValidation(ctx context.Context, rec models.ValidationRecord) error
	SaveIncident(ctx context.Context, inc models.Incident) error
}

// ThresholdSource reports the effective confidence threshold per service,
// used to anchor tuning suggestions to the current configuration.
type ThresholdSource interface {
	ThresholdFor(service string) float64
}

// Config bounds the accuracy accounting.
type Config struct {
	FPRTarget    float64
	RecallTarget float64
	LeadTime     time.Duration
	ReportWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FPRTarget <= 0 {
		c.FPRTarget = 0.10
	}
	if c.RecallTarget <= 0 {
		c.RecallTarget = 0.70
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 4 * time.Hour
	}
	if c.ReportWindow <= 0 {
		c.ReportWindow = 7 * 24 * time.Hour
	}
	return c
}

type incidentEntry struct {
	incident       models.Incident
	matchedAlertID string
}

// Tracker labels alerts as true or false positives and computes accuracy
// metrics plus advisory threshold-tuning suggestions. Human labels always
// override automatic inference for the same alert; automatic labels never
// displace a human one.
type Tracker struct {
	logger     *slog.Logger
	cfg        Config
	store      Store
	thresholds ThresholdSource

	mu        sync.Mutex
	alerts    map[string]models.Alert
	labels    map[string]models.ValidationRecord
	incidents []incidentEntry

	now func() time.Time
}

// NewTracker constructs the validation tracker. store and thresholds may be
// nil; persistence is then skipped and suggestions anchor to the 0.75 default.
func NewTracker(logger *slog.Logger, cfg Config, store Store, thresholds ThresholdSource) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:     logger,
		cfg:        cfg.withDefaults(),
		store:      store,
		thresholds: thresholds,
		alerts:     make(map[string]models.Alert),
		labels:     make(map[string]models.ValidationRecord),
		now:        time.Now,
	}
}

// RegisterAlert snapshots an alert so later incidents and labels can be
// attributed to it. Safe to call repeatedly for the same alert.
func (t *Tracker) RegisterAlert(alert models.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerts[alert.ID] = alert.Clone()
}

// Record stores one validation label. A human label replaces any existing one;
// an automatic label only fills a gap or replaces a prior automatic label.
func (t *Tracker) Record(ctx context.Context, rec models.ValidationRecord) error {
	switch rec.Outcome {
	case models.ValidationTruePositive, models.ValidationFalsePositive, models.ValidationUnknown:
	default:
		return utils.NewAppError("validation.Record", utils.KindInput,
			fmt.Sprintf("unknown validation outcome %q", rec.Outcome), nil)
	}
	if rec.AlertID == "" {
		return utils.NewAppError("validation.Record", utils.KindInput, "alert_id is required", nil)
	}
	if rec.ValidatedAt.IsZero() {
		rec.ValidatedAt = t.now()
	}

	t.mu.Lock()
	existing, ok := t.labels[rec.AlertID]
	if ok && existing.Source == models.SourceHuman && rec.Source == models.SourceAutomatic {
		t.mu.Unlock()
		t.logger.Debug("automatic label ignored, human label present",
			slog.String("alert_id", rec.AlertID))
		return nil
	}
	t.labels[rec.AlertID] = rec
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveValidation(ctx, rec); err != nil {
			t.logger.Warn("validation persistence failed",
				slog.String("alert_id", rec.AlertID), slog.Any("error", err))
		}
	}
	return nil
}

// RecordFromAction infers an advisory label from a finished remediation: a
// successful change implies the alert was real, a rolled-back change implies
// it was not. Pending and Rejected outcomes carry no signal.
func (t *Tracker) RecordFromAction(ctx context.Context, alertID string, action models.RemediationAction) error {
	var outcome models.ValidationOutcome
	switch action.Outcome {
	case models.OutcomeSuccess:
		outcome = models.ValidationTruePositive
	case models.OutcomeRolledBack:
		outcome = models.ValidationFalsePositive
	default:
		return nil
	}
	return t.Record(ctx, models.ValidationRecord{
		AlertID:     alertID,
		Outcome:     outcome,
		Source:      models.SourceAutomatic,
		ValidatedAt: t.now(),
		Notes:       fmt.Sprintf("inferred from remediation %s (%s)", action.ActionID, action.Outcome),
	})
}

// RecordIncident registers a confirmed degradation. If an alert for the same
// service and metric was raised within the lead time before the incident, that
// alert is labelled true positive and its ID returned; otherwise the incident
// counts as a false negative.
func (t *Tracker) RecordIncident(ctx context.Context, inc models.Incident) (string, error) {
	if inc.Service == "" || inc.MetricType == "" {
		return "", utils.NewAppError("validation.RecordIncident", utils.KindInput,
			"incident requires service and metric_type", nil)
	}
	if inc.OccurredAt.IsZero() {
		inc.OccurredAt = t.now()
	}

	t.mu.Lock()
	matched := ""
	earliest := inc.OccurredAt.Add(-t.cfg.LeadTime)
	for id, alert := range t.alerts {
		if alert.Service != inc.Service || alert.MetricType != inc.MetricType {
			continue
		}
		if alert.CreatedAt.Before(earliest) || alert.CreatedAt.After(inc.OccurredAt) {
			continue
		}
		matched = id
		break
	}
	t.incidents = append(t.incidents, incidentEntry{incident: inc, matchedAlertID: matched})
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveIncident(ctx, inc); err != nil {
			t.logger.Warn("incident persistence failed",
				slog.String("service", inc.Service), slog.Any("error", err))
		}
	}

	if matched != "" {
		return matched, t.Record(ctx, models.ValidationRecord{
			AlertID:     matched,
			Outcome:     models.ValidationTruePositive,
			Source:      models.SourceAutomatic,
			ValidatedAt: t.now(),
			Notes:       "confirmed by incident report",
		})
	}
	t.logger.Info("incident without preceding alert",
		slog.String("service", inc.Service),
		slog.String("metric_type", inc.MetricType),
	)
	return "", nil
}

// Report computes accuracy metrics over the configured reporting window and
// attaches advisory tuning suggestions. Suggestions are never self-applied.
func (t *Tracker) Report(ctx context.Context) models.AccuracyReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now()
	start := end.Add(-t.cfg.ReportWindow)

	type serviceStats struct{ tp, fp, fn int }
	perService := make(map[string]*serviceStats)
	stats := func(service string) *serviceStats {
		s, ok := perService[service]
		if !ok {
			s = &serviceStats{}
			perService[service] = s
		}
		return s
	}

	report := models.AccuracyReport{WindowStart: start, WindowEnd: end}
	for alertID, rec := range t.labels {
		if rec.ValidatedAt.Before(start) || rec.ValidatedAt.After(end) {
			continue
		}
		service := ""
		if alert, ok := t.alerts[alertID]; ok {
			service = alert.Service
		}
		switch rec.Outcome {
		case models.ValidationTruePositive:
			report.TruePositives++
			if service != "" {
				stats(service).tp++
			}
		case models.ValidationFalsePositive:
			report.FalsePositives++
			if service != "" {
				stats(service).fp++
			}
		}
	}
	for _, entry := range t.incidents {
		if entry.matchedAlertID != "" {
			continue
		}
		if entry.incident.OccurredAt.Before(start) || entry.incident.OccurredAt.After(end) {
			continue
		}
		report.FalseNegatives++
		stats(entry.incident.Service).fn++
	}

	report.Precision = ratio(report.TruePositives, report.TruePositives+report.FalsePositives)
	report.Recall = ratio(report.TruePositives, report.TruePositives+report.FalseNegatives)
	if report.Precision+report.Recall > 0 {
		report.F1 = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
	}
	report.FalsePositiveRate = ratio(report.FalsePositives, report.TruePositives+report.FalsePositives)

	for service, s := range perService {
		current := t.thresholdFor(service)
		fpr := ratio(s.fp, s.tp+s.fp)
		recall := ratio(s.tp, s.tp+s.fn)
		if s.tp+s.fp > 0 && fpr > t.cfg.FPRTarget {
			report.Suggestions = append(report.Suggestions, models.TuningSuggestion{
				Service:          service,
				CurrentThreshold: current,
				SuggestedValue:   clampThreshold(current + 0.05),
				Reason:           fmt.Sprintf("false positive rate %.2f exceeds target %.2f", fpr, t.cfg.FPRTarget),
			})
			continue
		}
		if s.tp+s.fn > 0 && recall < t.cfg.RecallTarget {
			report.Suggestions = append(report.Suggestions, models.TuningSuggestion{
				Service:          service,
				CurrentThreshold: current,
				SuggestedValue:   clampThreshold(current - 0.05),
				Reason:           fmt.Sprintf("recall %.2f below target %.2f", recall, t.cfg.RecallTarget),
			})
		}
	}
	return report
}

func (t *Tracker) thresholdFor(service string) float64 {
	if t.thresholds == nil {
		return 0.75
	}
	return t.thresholds.ThresholdFor(service)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clampThreshold(v float64) float64 {
	if v > 0.95 {
		return 0.95
	}
	if v < 0.5 {
		return 0.5
	}
	return v
}
