package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

func TestOrderLifecyclePartialThenFilled(t *testing.T) {
	h := newHarness(t)
	req := buy("AAPL", "100")
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = decPtr("50")

	o := h.submit(t, req)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.True(t, o.FilledQuantity.IsZero())

	o, err := h.orders.MarkOpen(adminCtx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)

	out, err := h.orders.ApplyFill(adminCtx, o.ID, dec("60"), dec("50"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, out.Order.Status)
	assert.True(t, out.Order.FilledQuantity.Equal(dec("60")))
	assert.True(t, out.Order.AvgFillPrice.Equal(dec("50")))
	assert.True(t, out.Position.Quantity.Equal(dec("60")))
	assert.True(t, out.PositionChanged)

	out, err = h.orders.ApplyFill(adminCtx, o.ID, dec("40"), dec("51"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, out.Order.Status)
	assert.True(t, out.Order.FilledQuantity.Equal(dec("100")))
	assert.True(t, out.Order.AvgFillPrice.Equal(dec("50.4")), "got %s", out.Order.AvgFillPrice)
	assert.True(t, out.Position.Quantity.Equal(dec("100")))
	assert.True(t, out.Position.AvgEntryPrice.Equal(dec("50.4")), "got %s", out.Position.AvgEntryPrice)

	_, err = h.orders.ApplyFill(adminCtx, o.ID, dec("1"), dec("51"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.orders.CancelOrder(adminCtx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	fills, err := h.orders.Fills(viewerCtx, o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	assert.Equal(t, 1, h.events.count(domain.EventOrderSubmitted))
	assert.Equal(t, 2, h.events.count(domain.EventOrderFilled))
	assert.Equal(t, 1, h.audit.count(domain.AuditOrderSubmit))
	assert.Equal(t, 2, h.audit.count(domain.AuditOrderFill))
}

func TestSubmitChecks(t *testing.T) {
	h := newHarness(t)

	_, err := h.orders.Submit(viewerCtx, buy("AAPL", "1"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.orders.Submit(adminCtx, buy("AAPL", "0"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.orders.Submit(adminCtx, buy("ZZZZ", "1"))
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)

	req := buy("AAPL", "1")
	req.StrategyID = "missing"
	_, err = h.orders.Submit(adminCtx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	st := h.activeStrategy(t, "alpha")
	_, err = h.strategies.Halt(adminCtx, st.ID)
	require.NoError(t, err)
	req.StrategyID = st.ID
	_, err = h.orders.Submit(adminCtx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Empty(t, h.store.Orders(nil))
	assert.Zero(t, h.events.count(domain.EventOrderSubmitted))
}

func TestSubmitLimitDefaultsToReferencePrice(t *testing.T) {
	h := newHarness(t)
	req := buy("MSFT", "5")
	req.Type = domain.OrderTypeLimit

	o := h.submit(t, req)
	require.NotNil(t, o.LimitPrice)
	assert.True(t, o.LimitPrice.Equal(dec("100")))

	price, err := h.orders.FillPrice(adminCtx, o)
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("100")))
}

func TestRejectOnlyFromPending(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "10"))

	rejected, err := h.orders.Reject(adminCtx, o.ID, "venue refused")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, rejected.Status)
	assert.Equal(t, "venue refused", rejected.RejectReason)

	_, err = h.orders.MarkOpen(adminCtx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "10"))

	outcome, err := h.orders.CancelOrder(adminCtx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelOutcomeCancelled, outcome)

	outcome, err = h.orders.CancelOrder(adminCtx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelOutcomeAlreadyTerminal, outcome)

	assert.Equal(t, 1, h.events.count(domain.EventOrderCancelled))
	assert.Equal(t, 1, h.audit.count(domain.AuditOrderCancel))

	_, err = h.orders.CancelOrder(adminCtx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFillIsClampedToRemaining(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "100"))

	out, err := h.orders.ApplyFill(adminCtx, o.ID, dec("150"), dec("50"))
	require.NoError(t, err)
	assert.True(t, out.Fill.Quantity.Equal(dec("100")))
	assert.Equal(t, domain.OrderStatusFilled, out.Order.Status)
	assert.True(t, out.Position.Quantity.Equal(dec("100")))
}

func TestFillRejectsBadArguments(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "100"))

	_, err := h.orders.ApplyFill(adminCtx, o.ID, dec("1"), dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.orders.ApplyFill(viewerCtx, o.ID, dec("1"), dec("50"))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := h.orders.GetOrder(viewerCtx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.IsZero())
}

func TestNonPositiveFillIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "100"))
	events, audits := h.events.total(), h.audit.total()

	for _, q := range []string{"0", "-5"} {
		out, err := h.orders.ApplyFill(adminCtx, o.ID, dec(q), dec("50"))
		require.NoError(t, err, q)
		assert.Nil(t, out.Fill, q)
		assert.Equal(t, domain.OrderStatusPending, out.Order.Status, q)
	}
	assert.Equal(t, events, h.events.total())
	assert.Equal(t, audits, h.audit.total())

	_, err := h.orders.ApplyFill(adminCtx, "missing", dec("0"), dec("50"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "100"))

	var wg sync.WaitGroup
	for i := 0; i < 130; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orders.ApplyFill(adminCtx, o.ID, dec("1"), dec("50"))
		}()
	}
	wg.Wait()

	got, err := h.orders.GetOrder(adminCtx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(dec("100")))

	fills, err := h.orders.Fills(adminCtx, o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 100)

	pos, err := h.store.Position(domain.PositionKey{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("100")))
}

func TestSellThroughZeroFlipsPosition(t *testing.T) {
	h := newHarness(t)
	b := h.submit(t, buy("AAPL", "10"))
	_, err := h.orders.ApplyFill(adminCtx, b.ID, dec("10"), dec("50"))
	require.NoError(t, err)

	sell := buy("AAPL", "15")
	sell.Side = domain.OrderSideSell
	s := h.submit(t, sell)
	out, err := h.orders.ApplyFill(adminCtx, s.ID, dec("15"), dec("52"))
	require.NoError(t, err)

	assert.True(t, out.Position.Quantity.Equal(dec("-5")))
	assert.True(t, out.Position.AvgEntryPrice.Equal(dec("52")))
	assert.True(t, out.PositionChanged)
}

func TestSmallFillIsNotMaterial(t *testing.T) {
	h := newHarness(t)
	o := h.submit(t, buy("AAPL", "1000"))
	_, err := h.orders.ApplyFill(adminCtx, o.ID, dec("100"), dec("50"))
	require.NoError(t, err)

	out, err := h.orders.ApplyFill(adminCtx, o.ID, dec("5"), dec("50"))
	require.NoError(t, err)
	assert.False(t, out.PositionChanged)
	assert.Equal(t, 1, h.events.count(domain.EventPositionChanged))
}

func TestCancelAllRequiresKillSwitchCapability(t *testing.T) {
	h := newHarness(t)
	h.submit(t, buy("AAPL", "1"))
	h.submit(t, buy("MSFT", "1"))
	done := h.submit(t, buy("AAPL", "1"))
	_, err := h.orders.ApplyFill(adminCtx, done.ID, dec("1"), dec("50"))
	require.NoError(t, err)

	_, err = h.orders.CancelAll(quantCtx)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	n, err := h.orders.CancelAll(adminCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := h.orders.ListOrders(adminCtx, OrderFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 1, h.audit.count(domain.AuditOrderCancelAll))
	assert.Equal(t, 2, h.events.count(domain.EventOrderCancelled))
}

func TestFillTriggersChangeHook(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.orders.OnChange(func() { calls++ })

	o := h.submit(t, buy("AAPL", "2"))
	_, err := h.orders.ApplyFill(adminCtx, o.ID, dec("1"), dec("50"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
