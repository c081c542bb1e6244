package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/cache/memory"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func asRole(id string, role domain.Role) context.Context {
	return domain.WithCaller(context.Background(), domain.Caller{
		ID:           id,
		Name:         id,
		Role:         role,
		Capabilities: domain.CapabilitiesFor(role),
	})
}

var (
	adminCtx  = asRole("alice", domain.RoleAdmin)
	quantCtx  = asRole("quinn", domain.RoleQuant)
	viewerCtx = asRole("vera", domain.RoleViewer)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ev domain.Event) domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.Seq = uint64(len(p.events) + 1)
	p.events = append(p.events, ev)
	return ev
}

func (p *recordingPublisher) count(kind domain.EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingAudit struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
}

func (a *recordingAudit) Record(_ context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingAudit) count(action string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.recs {
		if r.Action == action {
			n++
		}
	}
	return n
}

func (a *recordingAudit) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

type harness struct {
	store      *state.Store
	prices     *memory.PriceCache
	events     *recordingPublisher
	audit      *recordingAudit
	metrics    *metrics.Metrics
	orders     *OrderService
	positions  *PositionService
	alerts     *AlertService
	monitor    *MandateMonitor
	kill       *KillSwitch
	strategies *StrategyService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   state.New(state.NewHalt()),
		prices:  memory.NewPriceCache(),
		events:  &recordingPublisher{},
		audit:   &recordingAudit{},
		metrics: metrics.New(),
	}
	h.prices.Seed(map[string]decimal.Decimal{
		"AAPL": dec("50"),
		"MSFT": dec("100"),
	})
	logger := testLogger()
	h.orders = NewOrderService(h.store, h.prices, h.events, h.audit, h.metrics,
		OrderConfig{PositionChangeRatio: dec("0.1")}, logger)
	h.positions = NewPositionService(h.store, h.prices, logger)
	h.alerts = NewAlertService(h.store, h.events, h.audit, h.metrics, logger)
	h.monitor = NewMandateMonitor(h.store, h.positions, h.alerts, h.events, h.audit, h.metrics,
		MonitorConfig{Tick: 20 * time.Millisecond, Refresh: time.Hour}, logger)
	h.kill = NewKillSwitch(h.store, h.alerts, h.events, h.audit, h.metrics, logger)
	h.strategies = NewStrategyService(h.store, h.events, h.audit, logger)
	return h
}

// activeStrategy registers and activates a strategy.
func (h *harness) activeStrategy(t *testing.T, name string) domain.Strategy {
	t.Helper()
	st, err := h.strategies.Register(adminCtx, name, "momentum")
	require.NoError(t, err)
	st, err = h.strategies.Activate(adminCtx, st.ID)
	require.NoError(t, err)
	return st
}

func (h *harness) submit(t *testing.T, req domain.OrderRequest) domain.Order {
	t.Helper()
	o, err := h.orders.Submit(adminCtx, req)
	require.NoError(t, err)
	return o
}

func buy(symbol, qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec(qty),
	}
}

// counterValue sums every series of the named metric family.
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			if c := s.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

// manualClock is a clock that only moves when told to.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
