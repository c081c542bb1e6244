package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/config"
	"github.com/alanyoungcy/controlplane/internal/domain"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Monitor.Tick.Duration = 5 * time.Millisecond
	cfg.Prices = map[string]string{"aapl": "50"}
	cfg.Mandates = []config.MandateSeed{{
		ID:             "m-gross",
		Code:           "GROSS",
		ConstraintType: "gross_exposure",
		SoftLimit:      "400",
		HardLimit:      "1000",
		Active:         true,
	}}
	cfg.Strategies = []config.StrategySeed{{ID: "s-1", Name: "alpha", Type: "momentum", Status: "active"}}
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *Dependencies, *Core) {
	t.Helper()
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	core, err := a.Build(context.Background(), deps)
	require.NoError(t, err)
	return a, deps, core
}

func TestWireWithoutBackends(t *testing.T) {
	_, deps, _ := newTestApp(t, testConfig())
	assert.NotNil(t, deps.AuditStore)
	assert.Nil(t, deps.MandateStore)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.BlobWriter)
	assert.Empty(t, deps.Probes)

	price, _, err := deps.Prices.GetPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(50)))
}

func TestBuildLoadsSeeds(t *testing.T) {
	_, _, core := newTestApp(t, testConfig())

	m, err := core.Store.Mandate("m-gross")
	require.NoError(t, err)
	assert.Equal(t, domain.ConstraintGrossExposure, m.ConstraintType)

	st, err := core.Store.Strategy("s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusActive, st.Status)
	assert.Nil(t, core.Journal)
	assert.Nil(t, core.Simulator)
}

func TestFillsDriveTheMonitor(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.Paper = true
	cfg.Execution.PaperInterval.Duration = 10 * time.Millisecond
	a, deps, core := newTestApp(t, cfg)
	require.NotNil(t, core.Simulator)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, deps, core) }()

	admin := domain.WithCaller(context.Background(), domain.SystemCaller)
	_, err := core.Orders.Submit(admin, domain.OrderRequest{
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(10),
		StrategyID: "s-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, err := core.Store.Mandate("m-gross")
		return err == nil && m.Status == domain.MandateStatusWarning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuildRejectsBadRatio(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.PositionChangeRatio = "ten percent"
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()
	_, err = a.Build(context.Background(), deps)
	assert.Error(t, err)
}
