package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	ListOrders(ctx context.Context, f service.OrderFilter) ([]domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	Fills(ctx context.Context, id string) ([]domain.Fill, error)
	CancelOrder(ctx context.Context, id string) (domain.CancelOutcome, error)
	CancelAll(ctx context.Context) (int, error)
	ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal) (service.FillOutcome, error)
	MarkOpen(ctx context.Context, id string) (domain.Order, error)
	Reject(ctx context.Context, id, reason string) (domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

type orderDetailResponse struct {
	Order domain.Order  `json:"order"`
	Fills []domain.Fill `json:"fills"`
}

// ListOrders returns orders matching the query filters.
// GET /api/orders?status=OPEN&symbol=AAPL&strategy_id=...&open=true
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.orders.ListOrders(r.Context(), service.OrderFilter{
		Status:     domain.OrderStatus(strings.ToUpper(q.Get("status"))),
		Symbol:     strings.ToUpper(q.Get("symbol")),
		StrategyID: q.Get("strategy_id"),
		OpenOnly:   queryBool(r, "open"),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// SubmitOrder accepts a new order.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = domain.OrderSide(strings.ToUpper(string(req.Side)))
	req.Type = domain.OrderType(strings.ToUpper(string(req.Type)))

	order, err := h.orders.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns one order and its fills.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	fills, err := h.orders.Fills(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}
	writeJSON(w, http.StatusOK, orderDetailResponse{Order: order, Fills: fills})
}

// CancelOrder cancels an order. Cancelling a cancelled order succeeds with
// outcome already_terminal.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	outcome, err := h.orders.CancelOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"order_id": id,
		"outcome":  string(outcome),
	})
}

// CancelAll cancels every open order.
// POST /api/orders/cancel-all
func (h *OrderHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.orders.CancelAll(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

type fillRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// ApplyFill records a venue execution against an order.
// POST /api/orders/{id}/fills
func (h *OrderHandler) ApplyFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.orders.ApplyFill(r.Context(), pathParam(r, "id"), req.Quantity, req.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "apply fill", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// MarkOpen records the venue acknowledgement of a pending order.
// POST /api/orders/{id}/open
func (h *OrderHandler) MarkOpen(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.MarkOpen(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "mark open", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Reject records a venue rejection of a pending order.
// POST /api/orders/{id}/reject
func (h *OrderHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := h.orders.Reject(r.Context(), pathParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "reject order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
