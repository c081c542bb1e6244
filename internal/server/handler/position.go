package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListPositions(ctx context.Context, nonZero bool) ([]domain.Position, error)
	Exposure(ctx context.Context) (service.Exposure, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions, optionally only non-flat ones.
// GET /api/positions?non_zero=true
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListPositions(r.Context(), queryBool(r, "non_zero"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// Exposure returns gross and net notional at reference prices.
// GET /api/exposure
func (h *PositionHandler) Exposure(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.Authorize(r.Context(), domain.CapReadOnly); err != nil {
		writeServiceError(w, r, h.logger, "exposure", err)
		return
	}
	exp, err := h.positions.Exposure(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "exposure", err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
