package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a position. StrategyID may be empty for manual
// orders that belong to no strategy.
type PositionKey struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
}

// String renders the key as "strategy/symbol".
func (k PositionKey) String() string {
	return k.StrategyID + "/" + k.Symbol
}

// Position is the signed net holding of one strategy in one symbol.
// Positive quantity is long.
type Position struct {
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the position's identity.
func (p Position) Key() PositionKey {
	return PositionKey{StrategyID: p.StrategyID, Symbol: p.Symbol}
}

// Flat reports whether the position carries no exposure.
func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// Apply returns the position after a signed quantity delta executed at price.
//
// Adding to a position re-averages the entry price by quantity. Reducing
// keeps the entry price. Crossing through zero opens the residual at price,
// and landing on exactly zero clears the entry price.
func (p Position) Apply(delta, price decimal.Decimal) Position {
	next := p.Quantity.Add(delta)
	switch {
	case next.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case p.Quantity.IsZero() || p.Quantity.Sign() != next.Sign():
		p.AvgEntryPrice = price
	case p.Quantity.Sign() == delta.Sign():
		cost := p.Quantity.Abs().Mul(p.AvgEntryPrice).Add(delta.Abs().Mul(price))
		p.AvgEntryPrice = cost.Div(next.Abs())
	}
	p.Quantity = next
	p.LastPrice = price
	return p
}
