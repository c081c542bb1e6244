package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// StrategyService defines the methods that the strategy handler requires.
type StrategyService interface {
	ListStrategies(ctx context.Context) ([]domain.Strategy, error)
	Register(ctx context.Context, name, kind string) (domain.Strategy, error)
	Activate(ctx context.Context, id string) (domain.Strategy, error)
	Halt(ctx context.Context, id string) (domain.Strategy, error)
	GetStrategy(ctx context.Context, id string) (domain.Strategy, error)
	UpdateParameters(ctx context.Context, id string, params map[string]any) (domain.Strategy, error)
}

// StrategyHandler serves the strategy registry endpoints.
type StrategyHandler struct {
	strategies StrategyService
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler with the given service and logger.
func NewStrategyHandler(strategies StrategyService, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		logger:     logger,
	}
}

// ListStrategies returns every registered strategy, sorted by name.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := h.strategies.ListStrategies(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list strategies", err)
		return
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
}

// Register adds an INACTIVE strategy.
// POST /api/strategies
func (h *StrategyHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.strategies.Register(r.Context(), req.Name, req.Type)
	if err != nil {
		writeServiceError(w, r, h.logger, "register strategy", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// Activate allows a strategy to trade.
// POST /api/strategies/{id}/activate
func (h *StrategyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Activate(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "activate strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Halt stops one strategy.
// POST /api/strategies/{id}/halt
func (h *StrategyHandler) Halt(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.Halt(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "halt strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStrategy returns one strategy.
// GET /api/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.GetStrategy(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateParameters replaces a strategy's parameters with the request body,
// a JSON object.
// PUT /api/strategies/{id}/parameters
func (h *StrategyHandler) UpdateParameters(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.strategies.UpdateParameters(r.Context(), pathParam(r, "id"), params)
	if err != nil {
		writeServiceError(w, r, h.logger, "update strategy parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
