// Package executor runs a paper venue: it acknowledges pending orders and
// fills working ones at the configured fill price, driving the same
// ApplyFill path an external venue adapter would.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/service"
)

// OrderBook is the slice of the order service the simulator drives.
type OrderBook interface {
	ListOrders(ctx context.Context, f service.OrderFilter) ([]domain.Order, error)
	MarkOpen(ctx context.Context, id string) (domain.Order, error)
	ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal) (service.FillOutcome, error)
	FillPrice(ctx context.Context, o domain.Order) (decimal.Decimal, error)
}

// Config tunes the simulator.
type Config struct {
	Interval time.Duration
	// FillRatio is the share of an order's remaining quantity filled per
	// sweep, in (0, 1].
	FillRatio decimal.Decimal
	// MinClip is the smallest fill; remainders below it are filled whole.
	MinClip  decimal.Decimal
	Cooldown time.Duration
}

// Stats summarises one sweep.
type Stats struct {
	Opened  int
	Filled  int
	Skipped int
	Failed  int
}

// Simulator sweeps open orders on a ticker and fills them.
type Simulator struct {
	book     OrderBook
	cfg      Config
	cooldown *Cooldown
	logger   *slog.Logger
}

// NewSimulator creates a Simulator. Zero config fields fall back to a 1s
// interval, whole fills and a 30s cooldown.
func NewSimulator(book OrderBook, cfg Config, logger *slog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if !cfg.FillRatio.IsPositive() || cfg.FillRatio.GreaterThan(decimal.NewFromInt(1)) {
		cfg.FillRatio = decimal.NewFromInt(1)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Simulator{
		book:     book,
		cfg:      cfg,
		cooldown: NewCooldown(cfg.Cooldown),
		logger:   logger.With(slog.String("component", "paper_executor")),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "paper executor started", slog.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("paper executor stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
			s.cooldown.Cleanup()
		}
	}
}

// Sweep makes one pass over every non-terminal order.
func (s *Simulator) Sweep(ctx context.Context) Stats {
	ctx = domain.WithCaller(ctx, domain.SystemCaller)

	var st Stats
	orders, err := s.book.ListOrders(ctx, service.OrderFilter{OpenOnly: true})
	if err != nil {
		s.logger.WarnContext(ctx, "paper executor: list orders", slog.String("error", err.Error()))
		return st
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return st
		}
		if s.cooldown.Parked(o.ID) {
			st.Skipped++
			continue
		}

		if o.Status == domain.OrderStatusPending {
			opened, err := s.book.MarkOpen(ctx, o.ID)
			if err != nil {
				s.fail(ctx, &st, o, "mark open", err)
				continue
			}
			o = opened
			st.Opened++
		}

		if err := s.fill(ctx, o); err != nil {
			s.fail(ctx, &st, o, "fill", err)
			continue
		}
		st.Filled++
	}
	return st
}

func (s *Simulator) fill(ctx context.Context, o domain.Order) error {
	price, err := s.book.FillPrice(ctx, o)
	if err != nil {
		return err
	}
	out, err := s.book.ApplyFill(ctx, o.ID, s.clip(o.Remaining()), price)
	if err != nil {
		return err
	}
	if out.Order.Status.Terminal() {
		s.cooldown.Forget(o.ID)
	}
	s.logger.DebugContext(ctx, "paper executor: filled",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("price", price.String()),
		slog.String("status", string(out.Order.Status)),
	)
	return nil
}

// clip sizes the next fill from what remains.
func (s *Simulator) clip(remaining decimal.Decimal) decimal.Decimal {
	qty := remaining.Mul(s.cfg.FillRatio).Truncate(8)
	if !qty.IsPositive() || qty.LessThan(s.cfg.MinClip) || qty.GreaterThan(remaining) {
		return remaining
	}
	if rest := remaining.Sub(qty); rest.IsPositive() && rest.LessThan(s.cfg.MinClip) {
		return remaining
	}
	return qty
}

// fail logs and parks the order. Orders that moved on concurrently (for
// example cancelled by the kill switch) are not parked.
func (s *Simulator) fail(ctx context.Context, st *Stats, o domain.Order, op string, err error) {
	if errors.Is(err, domain.ErrInvalidState) {
		st.Skipped++
		s.cooldown.Forget(o.ID)
		return
	}
	st.Failed++
	s.cooldown.Park(o.ID)
	s.logger.WarnContext(ctx, fmt.Sprintf("paper executor: %s", op),
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("error", err.Error()),
	)
}
