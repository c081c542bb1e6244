package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// FillPricer chooses the execution price for an order from the current
// reference price and the order's requested price, which is zero when the
// order carries none.
type FillPricer func(ref, requested decimal.Decimal, t domain.OrderType) decimal.Decimal

// DefaultFillPricer fills priced orders at their limit and everything else at
// the reference price.
func DefaultFillPricer(ref, requested decimal.Decimal, t domain.OrderType) decimal.Decimal {
	if (t == domain.OrderTypeLimit || t == domain.OrderTypeStopLimit) && requested.IsPositive() {
		return requested
	}
	return ref
}

// OrderConfig holds order lifecycle tunables.
type OrderConfig struct {
	// PositionChangeRatio is the relative change in a position's size that
	// counts as material and produces a position_changed event. A sign
	// change is always material.
	PositionChangeRatio decimal.Decimal
}

// OrderFilter narrows List results. Zero fields match everything.
type OrderFilter struct {
	Status     domain.OrderStatus
	Symbol     string
	StrategyID string
	OpenOnly   bool
}

func (f OrderFilter) match(o domain.Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if f.OpenOnly && o.Status.Terminal() {
		return false
	}
	return true
}

// FillOutcome is what ApplyFill committed. Fill is nil when the call was a
// no-op.
type FillOutcome struct {
	Fill            *domain.Fill    `json:"fill,omitempty"`
	Order           domain.Order    `json:"order"`
	Position        domain.Position `json:"position"`
	PositionChanged bool            `json:"position_changed"`
}

var errAlreadyCancelled = errors.New("already cancelled")

// OrderService owns the order state machine and the position updates that
// fills drive.
type OrderService struct {
	store    *state.Store
	prices   domain.PriceSource
	metrics  *metrics.Metrics
	pricer   FillPricer
	cfg      OrderConfig
	onChange func()
	fx       effects
	logger   *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	store *state.Store,
	prices domain.PriceSource,
	events domain.EventPublisher,
	audit domain.AuditSink,
	m *metrics.Metrics,
	cfg OrderConfig,
	logger *slog.Logger,
) *OrderService {
	logger = logger.With(slog.String("component", "order_service"))
	return &OrderService{
		store:   store,
		prices:  prices,
		metrics: m,
		pricer:  DefaultFillPricer,
		cfg:     cfg,
		fx:      effects{events: events, audit: audit, logger: logger, prefix: "order_service"},
		logger:  logger,
	}
}

// WithFillPricer replaces the default fill pricer.
func (s *OrderService) WithFillPricer(p FillPricer) *OrderService {
	s.pricer = p
	return s
}

// OnChange registers a hook called after every committed fill, used to
// trigger a mandate re-evaluation.
func (s *OrderService) OnChange(fn func()) *OrderService {
	s.onChange = fn
	return s
}

// Submit validates and accepts a new order in PENDING.
func (s *OrderService) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		s.metrics.OrderRejected("forbidden")
		return domain.Order{}, fmt.Errorf("order_service: submit: %w", err)
	}
	if s.store.Halt().Active() {
		s.metrics.OrderRejected("halt_active")
		return domain.Order{}, fmt.Errorf("order_service: submit: %w", domain.ErrHaltActive)
	}
	if err := req.Validate(); err != nil {
		s.metrics.OrderRejected("invalid")
		return domain.Order{}, fmt.Errorf("order_service: submit: %w", err)
	}

	ref, err := s.prices.ReferencePrice(ctx, req.Symbol)
	switch {
	case errors.Is(err, domain.ErrNotFound), err == nil && !ref.IsPositive():
		s.metrics.OrderRejected("unknown_symbol")
		return domain.Order{}, fmt.Errorf("order_service: submit %q: %w", req.Symbol, domain.ErrUnknownSymbol)
	case err != nil:
		return domain.Order{}, fmt.Errorf("order_service: reference price %q: %w", req.Symbol, err)
	}

	if req.StrategyID != "" {
		st, err := s.store.Strategy(req.StrategyID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: strategy %q: %w", req.StrategyID, domain.ErrInvalidArgument)
		}
		if st.Status == domain.StrategyStatusHalted {
			return domain.Order{}, fmt.Errorf("order_service: strategy %q is halted: %w", st.ID, domain.ErrInvalidState)
		}
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:             uuid.New().String(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Status:         domain.OrderStatusPending,
		StrategyID:     req.StrategyID,
		CreatedBy:      caller.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.LimitPrice == nil && (order.Type == domain.OrderTypeLimit || order.Type == domain.OrderTypeStopLimit) {
		p := ref
		order.LimitPrice = &p
	}

	if err := s.store.InsertOrder(order); err != nil {
		if errors.Is(err, domain.ErrHaltActive) {
			s.metrics.OrderRejected("halt_active")
		}
		return domain.Order{}, fmt.Errorf("order_service: submit: %w", err)
	}

	s.metrics.OrderSubmitted(string(order.Side))
	s.fx.publish(domain.EventOrderSubmitted, domain.SeverityInfo, order)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditOrderSubmit,
		ResourceType: "order",
		ResourceID:   order.ID,
		After:        order,
	})

	s.logger.InfoContext(ctx, "order_service: order submitted",
		slog.String("order_id", order.ID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("quantity", order.Quantity.String()),
	)
	return order, nil
}

// MarkOpen records that the venue acknowledged a PENDING order.
func (s *OrderService) MarkOpen(ctx context.Context, id string) (domain.Order, error) {
	return s.transition(ctx, id, domain.OrderStatusOpen, "", domain.AuditOrderOpen)
}

// Reject moves a PENDING order to REJECTED.
func (s *OrderService) Reject(ctx context.Context, id, reason string) (domain.Order, error) {
	return s.transition(ctx, id, domain.OrderStatusRejected, reason, domain.AuditOrderReject)
}

func (s *OrderService) transition(ctx context.Context, id string, to domain.OrderStatus, reason, action string) (domain.Order, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: %s %q: %w", to, id, err)
	}

	before, after, err := s.store.UpdateOrder(id, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending || !o.Status.CanTransition(to) {
			return fmt.Errorf("%s -> %s: %w", o.Status, to, domain.ErrInvalidState)
		}
		o.Status = to
		o.RejectReason = reason
		o.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: %s %q: %w", to, id, err)
	}

	s.fx.publish(domain.EventOrderStatus, domain.SeverityInfo, after)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       action,
		ResourceType: "order",
		ResourceID:   id,
		Before:       before,
		After:        after,
	})
	return after, nil
}

// ApplyFill executes qty at price against an order, clamping qty to what
// remains unfilled, and updates the owning position in the same critical
// section.
func (s *OrderService) ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal) (FillOutcome, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return FillOutcome{}, fmt.Errorf("order_service: fill %q: %w", orderID, err)
	}
	if !price.IsPositive() {
		return FillOutcome{}, fmt.Errorf("order_service: fill %q: price must be positive: %w", orderID, domain.ErrInvalidArgument)
	}

	res, err := s.store.ApplyFill(orderID, func(o *domain.Order, p *domain.Position) (*domain.Fill, error) {
		if o.Status.Terminal() {
			return nil, fmt.Errorf("order is %s: %w", o.Status, domain.ErrInvalidState)
		}
		q := decimal.Min(qty, o.Remaining())
		if !q.IsPositive() {
			return nil, nil
		}

		now := time.Now().UTC()
		filled := o.FilledQuantity.Add(q)
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(q)).Div(filled)
		o.FilledQuantity = filled
		if filled.Equal(o.Quantity) {
			o.Status = domain.OrderStatusFilled
		} else {
			o.Status = domain.OrderStatusPartial
		}
		o.UpdatedAt = now

		*p = p.Apply(o.Side.Signed(q), price)
		p.UpdatedAt = now

		return &domain.Fill{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			Quantity:  q,
			Price:     price,
			Timestamp: now,
		}, nil
	})
	if err != nil {
		return FillOutcome{}, fmt.Errorf("order_service: fill %q: %w", orderID, err)
	}

	out := FillOutcome{Fill: res.Fill, Order: res.Order, Position: res.Position}
	if res.Fill == nil {
		return out, nil
	}
	out.PositionChanged = s.material(res.PositionBefore.Quantity, res.Position.Quantity)

	s.metrics.FillApplied()
	s.fx.publish(domain.EventOrderFilled, domain.SeverityInfo, map[string]any{
		"order": res.Order,
		"fill":  res.Fill,
	})
	if out.PositionChanged {
		s.fx.publish(domain.EventPositionChanged, domain.SeverityInfo, map[string]any{
			"position":          res.Position,
			"previous_quantity": res.PositionBefore.Quantity,
		})
	}
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditOrderFill,
		ResourceType: "order",
		ResourceID:   orderID,
		Before:       map[string]any{"order": res.OrderBefore, "position": res.PositionBefore},
		After:        map[string]any{"order": res.Order, "position": res.Position, "fill": res.Fill},
	})
	if s.onChange != nil {
		s.onChange()
	}

	s.logger.InfoContext(ctx, "order_service: fill applied",
		slog.String("order_id", orderID),
		slog.String("quantity", res.Fill.Quantity.String()),
		slog.String("price", res.Fill.Price.String()),
		slog.String("status", string(res.Order.Status)),
	)
	return out, nil
}

// material reports whether a position move from prev to next is worth a
// position_changed event.
func (s *OrderService) material(prev, next decimal.Decimal) bool {
	if prev.Sign() != next.Sign() {
		return true
	}
	if prev.IsZero() {
		return false
	}
	change := next.Sub(prev).Abs().Div(prev.Abs())
	return change.GreaterThanOrEqual(s.cfg.PositionChangeRatio)
}

// CancelOrder cancels a single order. Cancelling an order that is already
// CANCELLED is not an error and returns CancelOutcomeAlreadyTerminal.
func (s *OrderService) CancelOrder(ctx context.Context, id string) (domain.CancelOutcome, error) {
	caller, err := domain.Authorize(ctx, domain.CapTrading)
	if err != nil {
		return "", fmt.Errorf("order_service: cancel order %q: %w", id, err)
	}

	before, after, err := s.store.UpdateOrder(id, cancelOrder(time.Now().UTC()))
	if errors.Is(err, errAlreadyCancelled) {
		return domain.CancelOutcomeAlreadyTerminal, nil
	}
	if err != nil {
		return "", fmt.Errorf("order_service: cancel order %q: %w", id, err)
	}

	s.metrics.OrdersCancelled(1)
	s.fx.publish(domain.EventOrderCancelled, domain.SeverityInfo, after)
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditOrderCancel,
		ResourceType: "order",
		ResourceID:   id,
		Before:       before,
		After:        after,
	})

	s.logger.InfoContext(ctx, "order_service: order cancelled",
		slog.String("order_id", id),
	)
	return domain.CancelOutcomeCancelled, nil
}

func cancelOrder(now time.Time) func(o *domain.Order) error {
	return func(o *domain.Order) error {
		if o.Status == domain.OrderStatusCancelled {
			return errAlreadyCancelled
		}
		if !o.Status.CanTransition(domain.OrderStatusCancelled) {
			return fmt.Errorf("order is %s: %w", o.Status, domain.ErrInvalidState)
		}
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = now
		return nil
	}
}

// CancelAll cancels every non-terminal order and reports how many changed.
// Orders that reach a terminal state concurrently are skipped.
func (s *OrderService) CancelAll(ctx context.Context) (int, error) {
	caller, err := domain.Authorize(ctx, domain.CapKillSwitch)
	if err != nil {
		return 0, fmt.Errorf("order_service: cancel all: %w", err)
	}

	open := s.store.Orders(func(o domain.Order) bool { return !o.Status.Terminal() })
	now := time.Now().UTC()
	cancelled := make([]domain.Order, 0, len(open))
	for _, o := range open {
		_, after, err := s.store.UpdateOrder(o.ID, cancelOrder(now))
		if err != nil {
			s.logger.DebugContext(ctx, "order_service: skip order during cancel-all",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		cancelled = append(cancelled, after)
	}

	ids := make([]string, 0, len(cancelled))
	for _, o := range cancelled {
		ids = append(ids, o.ID)
		s.fx.publish(domain.EventOrderCancelled, domain.SeverityInfo, o)
	}
	s.metrics.OrdersCancelled(len(cancelled))
	s.fx.record(ctx, domain.AuditRecord{
		Actor:        actorOf(caller),
		Action:       domain.AuditOrderCancelAll,
		ResourceType: "order",
		ResourceID:   "*",
		Before:       map[string]any{"open_orders": len(open)},
		After:        map[string]any{"cancelled": len(cancelled), "order_ids": ids},
	})

	s.logger.InfoContext(ctx, "order_service: cancelled all open orders",
		slog.Int("count", len(cancelled)),
	)
	return len(cancelled), nil
}

// GetOrder retrieves a single order by its ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, err)
	}
	order, err := s.store.Order(id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", id, err)
	}
	return order, nil
}

// Fills returns the fills applied to an order.
func (s *OrderService) Fills(ctx context.Context, id string) ([]domain.Fill, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("order_service: fills %q: %w", id, err)
	}
	fills, err := s.store.Fills(id)
	if err != nil {
		return nil, fmt.Errorf("order_service: fills %q: %w", id, err)
	}
	return fills, nil
}

// ListOrders returns orders matching f, oldest first.
func (s *OrderService) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("order_service: list orders: %w", err)
	}
	return s.store.Orders(f.match), nil
}

// FillPrice returns the price the configured pricer picks for an order right
// now.
func (s *OrderService) FillPrice(ctx context.Context, o domain.Order) (decimal.Decimal, error) {
	ref, err := s.prices.ReferencePrice(ctx, o.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("order_service: fill price %q: %w", o.Symbol, err)
	}
	requested := decimal.Zero
	if o.LimitPrice != nil {
		requested = *o.LimitPrice
	}
	return s.pricer(ref, requested, o.Type), nil
}
