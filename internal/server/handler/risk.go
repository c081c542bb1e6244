package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/service"
)

// MandateService is what the risk handler needs from the mandate monitor.
type MandateService interface {
	ListMandates(ctx context.Context) ([]domain.Mandate, error)
	UpdateValue(ctx context.Context, id string, value decimal.Decimal) (domain.Mandate, error)
}

// AlertService is what the risk handler needs for alerts.
type AlertService interface {
	ListAlerts(ctx context.Context, unackedOnly bool, limit int) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, id string) (domain.Alert, error)
}

// RiskHandler serves mandates, alerts and the status summary.
type RiskHandler struct {
	mandates MandateService
	alerts   AlertService
	history  domain.AlertStore
	status   *service.StatusService
	logger   *slog.Logger
}

// NewRiskHandler creates a RiskHandler. history may be nil when alerts are
// not persisted.
func NewRiskHandler(mandates MandateService, alerts AlertService, history domain.AlertStore, status *service.StatusService, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		mandates: mandates,
		alerts:   alerts,
		history:  history,
		status:   status,
		logger:   logger,
	}
}

// Status returns the risk summary.
// GET /api/status
func (h *RiskHandler) Status(w http.ResponseWriter, r *http.Request) {
	sum, err := h.status.Summary(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListMandates returns every mandate.
// GET /api/mandates
func (h *RiskHandler) ListMandates(w http.ResponseWriter, r *http.Request) {
	mandates, err := h.mandates.ListMandates(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list mandates", err)
		return
	}
	if mandates == nil {
		mandates = []domain.Mandate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mandates": mandates})
}

// UpdateMandateValue feeds an externally computed value.
// PUT /api/mandates/{id}/value
func (h *RiskHandler) UpdateMandateValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.mandates.UpdateValue(r.Context(), pathParam(r, "id"), req.Value)
	if err != nil {
		writeServiceError(w, r, h.logger, "update mandate", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListAlerts returns recent alerts, newest first.
// GET /api/alerts?unacked=true&limit=50
func (h *RiskHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ListAlerts(r.Context(), queryBool(r, "unacked"), parseLimit(r, 50))
	if err != nil {
		writeServiceError(w, r, h.logger, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// AcknowledgeAlert marks an alert as seen.
// POST /api/alerts/{id}/ack
func (h *RiskHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.alerts.Acknowledge(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "acknowledge alert", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AlertHistory reads persisted alerts, including those from before the
// current process started.
// GET /api/alerts/history?limit=100
func (h *RiskHandler) AlertHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "alert history", err)
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "alert history is not persisted")
		return
	}
	alerts, err := h.history.ListRecent(r.Context(), parseLimit(r, 100))
	if err != nil {
		writeServiceError(w, r, h.logger, "alert history", err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
