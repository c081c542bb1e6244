package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/service"
)

// KillSwitch is what the handler needs from the emergency stop.
type KillSwitch interface {
	Execute(ctx context.Context, req service.KillSwitchRequest) (service.KillSwitchResult, error)
	Preview(ctx context.Context) (service.KillSwitchResult, error)
	Reset(ctx context.Context, reason string) (domain.HaltState, error)
	Status() domain.HaltState
}

// KillSwitchHandler serves the kill switch and the incident reports it
// leaves behind.
type KillSwitchHandler struct {
	kill    KillSwitch
	reports domain.BlobReader
	prefix  string
	logger  *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler. reports may be nil.
func NewKillSwitchHandler(kill KillSwitch, reports domain.BlobReader, prefix string, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{kill: kill, reports: reports, prefix: prefix, logger: logger}
}

// Status returns the halt state.
// GET /api/kill-switch
func (h *KillSwitchHandler) Status(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "kill switch status", err)
		return
	}
	writeJSON(w, http.StatusOK, h.kill.Status())
}

// Preview reports what an execution would touch without changing anything.
// GET /api/kill-switch/preview
func (h *KillSwitchHandler) Preview(w http.ResponseWriter, r *http.Request) {
	res, err := h.kill.Preview(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "kill switch preview", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Execute halts trading. The body must carry confirm=true unless dry_run is
// set.
// POST /api/kill-switch
func (h *KillSwitchHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req service.KillSwitchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.kill.Execute(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "kill switch", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reset lifts the halt.
// POST /api/kill-switch/reset
func (h *KillSwitchHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.kill.Reset(r.Context(), req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "reset halt", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListIncidents lists stored kill-switch reports.
// GET /api/incidents
func (h *KillSwitchHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "list incidents", err)
		return
	}
	if h.reports == nil {
		writeError(w, http.StatusNotImplemented, "incident reports are not stored")
		return
	}
	items, err := h.reports.List(r.Context(), h.prefix+"/")
	if err != nil {
		writeServiceError(w, r, h.logger, "list incidents", err)
		return
	}
	if items == nil {
		items = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": items})
}
