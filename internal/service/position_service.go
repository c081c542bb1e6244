package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// Exposure is the notional value of all positions at reference prices.
type Exposure struct {
	Gross decimal.Decimal `json:"gross"`
	Net   decimal.Decimal `json:"net"`
}

// PositionService answers read queries over positions and aggregates
// exposure for the mandate monitor.
type PositionService struct {
	store  *state.Store
	prices domain.PriceCache
	logger *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(store *state.Store, prices domain.PriceCache, logger *slog.Logger) *PositionService {
	return &PositionService{
		store:  store,
		prices: prices,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// ListPositions returns every position, or only the ones carrying exposure
// when nonZero is set.
func (s *PositionService) ListPositions(ctx context.Context, nonZero bool) ([]domain.Position, error) {
	if _, err := domain.Authorize(ctx, domain.CapReadOnly); err != nil {
		return nil, fmt.Errorf("position_service: list: %w", err)
	}
	all := s.store.Positions()
	if !nonZero {
		return all, nil
	}
	out := make([]domain.Position, 0, len(all))
	for _, p := range all {
		if !p.Flat() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Exposure computes gross (sum of |qty| * price) and net (sum of qty * price)
// notional across all positions. Symbols missing from the price cache fall
// back to the position's last fill price.
func (s *PositionService) Exposure(ctx context.Context) (Exposure, error) {
	positions := s.store.Positions()

	symbols := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Flat() || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		symbols = append(symbols, p.Symbol)
	}
	if len(symbols) == 0 {
		return Exposure{Gross: decimal.Zero, Net: decimal.Zero}, nil
	}

	prices, err := s.prices.GetPrices(ctx, symbols)
	if err != nil {
		return Exposure{}, fmt.Errorf("position_service: get prices for exposure: %w", err)
	}

	exp := Exposure{Gross: decimal.Zero, Net: decimal.Zero}
	for _, p := range positions {
		if p.Flat() {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok {
			price = p.LastPrice
		}
		notional := p.Quantity.Mul(price)
		exp.Gross = exp.Gross.Add(notional.Abs())
		exp.Net = exp.Net.Add(notional)
	}
	return exp, nil
}
