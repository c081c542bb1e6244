package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

func TestStrategyLifecycle(t *testing.T) {
	h := newHarness(t)

	_, err := h.strategies.Register(viewerCtx, "alpha", "momentum")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.strategies.Register(adminCtx, "  ", "momentum")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	st, err := h.strategies.Register(quantCtx, "alpha", "momentum")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusInactive, st.Status)
	assert.Equal(t, "quinn", st.CreatedBy)

	_, err = h.strategies.Halt(adminCtx, st.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	st, err = h.strategies.Activate(adminCtx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusActive, st.Status)

	_, err = h.strategies.Activate(adminCtx, st.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	st, err = h.strategies.Halt(adminCtx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusHalted, st.Status)

	st, err = h.strategies.Activate(adminCtx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStatusActive, st.Status)

	_, err = h.strategies.Activate(adminCtx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, 4, h.events.count(domain.EventStrategyChanged))
	assert.Equal(t, 1, h.audit.count(domain.AuditStrategyRegister))
	assert.Equal(t, 2, h.audit.count(domain.AuditStrategyActivate))
	assert.Equal(t, 1, h.audit.count(domain.AuditStrategyHalt))
}

func TestStrategyParameters(t *testing.T) {
	h := newHarness(t)
	st, err := h.strategies.Register(quantCtx, "alpha", "momentum")
	require.NoError(t, err)

	params := map[string]any{"lookback": 20.0, "symbols": []any{"AAPL"}}
	_, err = h.strategies.UpdateParameters(viewerCtx, st.ID, params)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.strategies.UpdateParameters(quantCtx, "missing", params)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.strategies.UpdateParameters(quantCtx, st.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	got, err := h.strategies.UpdateParameters(quantCtx, st.ID, params)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Parameters["lookback"])
	assert.Equal(t, domain.StrategyStatusInactive, got.Status)

	params["lookback"] = 99.0
	stored, err := h.strategies.GetStrategy(viewerCtx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, stored.Parameters["lookback"], "caller's map is not retained")

	_, err = h.strategies.UpdateParameters(adminCtx, st.ID, map[string]any{"lookback": 50.0})
	require.NoError(t, err)

	assert.Equal(t, 2, h.events.count(domain.EventStrategyParams))
	require.Equal(t, 2, h.audit.count(domain.AuditStrategyParams))
	last := h.audit.recs[len(h.audit.recs)-1]
	assert.Equal(t, "alice", last.Actor)
	assert.Equal(t, 20.0, last.Before.(map[string]any)["parameters"].(map[string]any)["lookback"])
	assert.Equal(t, 50.0, last.After.(map[string]any)["parameters"].(map[string]any)["lookback"])

	_, err = h.strategies.GetStrategy(context.Background(), st.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.strategies.GetStrategy(viewerCtx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStrategyLoadAndList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.strategies.Load([]domain.Strategy{
		{ID: "s-b", Name: "beta", Type: "mean_reversion"},
		{ID: "s-a", Name: "alpha", Type: "momentum", Status: domain.StrategyStatusActive},
	}))
	assert.Error(t, h.strategies.Load([]domain.Strategy{{ID: "s-a", Name: "dup"}}))

	list, err := h.strategies.ListStrategies(viewerCtx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, domain.StrategyStatusInactive, list[1].Status)
	assert.Zero(t, h.audit.total())
}

func TestStatusSummary(t *testing.T) {
	h := newHarness(t)
	seedLiveBook(t, h)
	h.monitor.Load([]domain.Mandate{varMandate()})
	_, err := h.monitor.UpdateValue(adminCtx, "m-var", dec("120"))
	require.NoError(t, err)

	sum, err := NewStatusService(h.store, h.positions).Summary(viewerCtx)
	require.NoError(t, err)
	assert.False(t, sum.Halt.Halted)
	assert.Equal(t, 2, sum.OpenOrders)
	assert.Equal(t, 1, sum.OpenPositions)
	assert.Equal(t, 1, sum.ActiveStrategies)
	assert.Equal(t, 1, sum.MandatesWarning)
	assert.Equal(t, 1, sum.UnackedAlerts)
	require.NotNil(t, sum.Exposure)
	assert.True(t, sum.Exposure.Gross.Equal(dec("2000")))

	_, err = NewStatusService(h.store, h.positions).Summary(context.Background())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
