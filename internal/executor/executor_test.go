package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/cache/memory"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/service"
	"github.com/alanyoungcy/controlplane/internal/state"
)

type nopPublisher struct{}

func (nopPublisher) Publish(ev domain.Event) domain.Event { return ev }

type nopAudit struct{}

func (nopAudit) Record(context.Context, domain.AuditRecord) error { return nil }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var admin = domain.WithCaller(context.Background(), domain.SystemCaller)

func newBook(t *testing.T) (*service.OrderService, *memory.PriceCache, *state.Store) {
	t.Helper()
	store := state.New(state.NewHalt())
	prices := memory.NewPriceCache()
	prices.Seed(map[string]decimal.Decimal{"AAPL": dec("50"), "MSFT": dec("100")})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orders := service.NewOrderService(store, prices, nopPublisher{}, nopAudit{}, metrics.New(),
		service.OrderConfig{PositionChangeRatio: dec("0.1")}, logger)
	return orders, prices, store
}

func submit(t *testing.T, orders *service.OrderService, symbol, qty string) domain.Order {
	t.Helper()
	o, err := orders.Submit(admin, domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec(qty),
	})
	require.NoError(t, err)
	return o
}

func TestSweepFillsInClips(t *testing.T) {
	orders, _, store := newBook(t)
	o := submit(t, orders, "AAPL", "100")

	sim := NewSimulator(orders, Config{FillRatio: dec("0.5"), MinClip: dec("20")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	st := sim.Sweep(context.Background())
	assert.Equal(t, Stats{Opened: 1, Filled: 1}, st)
	got, err := store.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, got.Status)
	assert.True(t, got.FilledQuantity.Equal(dec("50")))

	sim.Sweep(context.Background())
	got, _ = store.Order(o.ID)
	assert.True(t, got.FilledQuantity.Equal(dec("75")))

	// 12.5 would leave 12.5 behind, below the minimum clip.
	sim.Sweep(context.Background())
	got, _ = store.Order(o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.Equal(dec("50")))

	pos, err := store.Position(domain.PositionKey{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("100")))
}

func TestSweepParksOrdersWithoutPrice(t *testing.T) {
	orders, _, _ := newBook(t)
	submit(t, orders, "MSFT", "10")

	book := &pricelessBook{OrderService: orders}
	sim := NewSimulator(book, Config{Cooldown: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	st := sim.Sweep(context.Background())
	assert.Equal(t, 1, st.Opened)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, sim.cooldown.Len())

	st = sim.Sweep(context.Background())
	assert.Equal(t, Stats{Skipped: 1}, st)
}

type pricelessBook struct {
	*service.OrderService
}

func (pricelessBook) FillPrice(context.Context, domain.Order) (decimal.Decimal, error) {
	return decimal.Zero, domain.ErrNotFound
}

func TestRunStopsOnCancel(t *testing.T) {
	orders, _, store := newBook(t)
	o := submit(t, orders, "AAPL", "3")
	sim := NewSimulator(orders, Config{Interval: 5 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := store.Order(o.ID)
		return err == nil && got.Status == domain.OrderStatusFilled
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("simulator did not stop")
	}
}

func TestCooldownExpires(t *testing.T) {
	c := NewCooldown(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Park("o-1")
	assert.True(t, c.Parked("o-1"))
	assert.False(t, c.Parked("o-2"))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Parked("o-1"))
	c.Cleanup()
	assert.Zero(t, c.Len())
}
