package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Signed returns qty with the sign a fill on this side applies to a position.
func (s OrderSide) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == OrderSideSell {
		return qty.Neg()
	}
	return qty
}

// OrderType selects how the order is priced.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// OrderStatus tracks the order lifecycle.
//
//	PENDING      -> OPEN, PARTIAL, FILLED, CANCELLED, REJECTED
//	OPEN/PARTIAL -> PARTIAL, FILLED, CANCELLED
//
// FILLED, CANCELLED and REJECTED are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is legal from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next != OrderStatusPending
	case OrderStatusOpen, OrderStatusPartial:
		return next == OrderStatusPartial || next == OrderStatusFilled || next == OrderStatusCancelled
	}
	return false
}

// Order is a trading order owned by the state store.
type Order struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Type           OrderType        `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	Status         OrderStatus      `json:"status"`
	StrategyID     string           `json:"strategy_id,omitempty"`
	CreatedBy      string           `json:"created_by"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a copy that shares no pointers with o.
func (o Order) Clone() Order {
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		o.LimitPrice = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		o.StopPrice = &p
	}
	return o
}

// OrderRequest is the intake payload for a new order.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       OrderSide        `json:"side"`
	Type       OrderType        `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	StrategyID string           `json:"strategy_id,omitempty"`
}

// Validate checks the request shape. Price availability is checked later
// against the reference price source.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required: %w", ErrInvalidArgument)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("side %q: %w", r.Side, ErrInvalidArgument)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("type %q: %w", r.Type, ErrInvalidArgument)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive: %w", ErrInvalidArgument)
	}
	if (r.Type == OrderTypeLimit || r.Type == OrderTypeStopLimit) && r.LimitPrice != nil && !r.LimitPrice.IsPositive() {
		return fmt.Errorf("limit price must be positive: %w", ErrInvalidArgument)
	}
	if (r.Type == OrderTypeStop || r.Type == OrderTypeStopLimit) && r.StopPrice != nil && !r.StopPrice.IsPositive() {
		return fmt.Errorf("stop price must be positive: %w", ErrInvalidArgument)
	}
	return nil
}

// Fill is a single execution against an order. Fills are immutable.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// CancelOutcome distinguishes a real cancellation from an idempotent no-op.
type CancelOutcome string

const (
	CancelOutcomeCancelled       CancelOutcome = "cancelled"
	CancelOutcomeAlreadyTerminal CancelOutcome = "already_terminal"
)
