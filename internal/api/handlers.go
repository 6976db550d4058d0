package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/presagestack/presage-engine/internal/alerting"
	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/remediation"
	"github.com/presagestack/presage-engine/internal/scheduler"
	"github.com/presagestack/presage-engine/internal/utils"
	"github.com/presagestack/presage-engine/internal/validation"
)

// AlertLog reads the durable alert history.
type AlertLog interface {
	ListAlerts(ctx context.Context, status string, limit int) ([]models.Alert, error)
}

// ActionLog reads the durable remediation action history.
type ActionLog interface {
	GetAction(ctx context.Context, actionID string) (*models.RemediationAction, error)
	ListActions(ctx context.Context, limit int) ([]models.RemediationAction, error)
}

// Handler exposes the engine's operations over HTTP.
type Handler struct {
	logger       *slog.Logger
	driver       *scheduler.Driver
	manager      *alerting.Manager
	orchestrator *remediation.Orchestrator
	tracker      *validation.Tracker
	alertLog     AlertLog
	actionLog    ActionLog
	latency      *utils.LatencyTracker
}

// NewHandler constructs the API handler.
func NewHandler(logger *slog.Logger, driver *scheduler.Driver, manager *alerting.Manager,
	orchestrator *remediation.Orchestrator, tracker *validation.Tracker,
	alertLog AlertLog, actionLog ActionLog) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		driver:       driver,
		manager:      manager,
		orchestrator: orchestrator,
		tracker:      tracker,
		alertLog:     alertLog,
		actionLog:    actionLog,
		latency:      utils.NewLatencyTracker(1024),
	}
}

// Router builds the HTTP route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.observe)

	r.HandleFunc("/api/v1/analysis/run", h.runAnalysis).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/alerts", h.listOpenAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/history", h.listAlertHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/{id}/resolve", h.resolveAlert).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/alerts/{id}/validation", h.validateAlert).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/incidents", h.reportIncident).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/remediations", h.applyRemediation).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/remediations", h.listRemediations).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/remediations/{id}", h.getRemediation).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/remediations/{id}/cancel", h.cancelRemediation).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/validation/report", h.validationReport).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/automation/breaker/reset", h.resetBreaker).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	return r
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.latency.Observe(time.Since(start))
	})
}

func (h *Handler) runAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := h.driver.RunPass(r.Context())
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listOpenAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": h.manager.OpenAlerts(),
	})
}

func (h *Handler) listAlertHistory(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 100)

	alerts, err := h.alertLog.ListAlerts(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	alert, err := h.manager.Resolve(r.Context(), alertID)
	if err != nil {
		if utils.KindOf(err) == utils.KindInput {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) validateAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	var payload struct {
		Outcome models.ValidationOutcome `json:"outcome"`
		Notes   string                   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec := models.ValidationRecord{
		AlertID: alertID,
		Outcome: payload.Outcome,
		Source:  models.SourceHuman,
		Notes:   payload.Notes,
	}
	if err := h.tracker.Record(r.Context(), rec); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handler) reportIncident(w http.ResponseWriter, r *http.Request) {
	var inc models.Incident
	if err := json.NewDecoder(r.Body).Decode(&inc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	matched, err := h.tracker.RecordIncident(r.Context(), inc)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"matched_alert_id": matched})
}

func (h *Handler) applyRemediation(w http.ResponseWriter, r *http.Request) {
	var rec models.Recommendation
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	action, err := h.orchestrator.Apply(r.Context(), rec)
	if err != nil {
		if utils.KindOf(err) == utils.KindInput {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	if action.Outcome == models.OutcomeRejected {
		status = http.StatusConflict
	}
	writeJSON(w, status, action)
}

func (h *Handler) listRemediations(w http.ResponseWriter, r *http.Request) {
	actions, err := h.actionLog.ListActions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (h *Handler) getRemediation(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["id"]
	action, err := h.actionLog.GetAction(r.Context(), actionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) cancelRemediation(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["id"]
	if err := h.orchestrator.Cancel(actionID); err != nil {
		if utils.KindOf(err) == utils.KindInput {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *Handler) validationReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Report(r.Context()))
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Breaker().Reset()
	h.logger.Info("automation circuit breaker manually reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"breaker_open":     h.orchestrator.Breaker().Open(),
		"open_alerts":      len(h.manager.OpenAlerts()),
		"request_p95_ms":   float64(h.latency.Percentile(0.95)) / float64(time.Millisecond),
		"requests_sampled": h.latency.Count(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
