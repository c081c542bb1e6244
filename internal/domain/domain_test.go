package domain

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusOpen, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusPartial, true},
		{OrderStatusPartial, OrderStatusCancelled, true},
		{OrderStatusOpen, OrderStatusRejected, false},
		{OrderStatusPartial, OrderStatusOpen, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusCancelled, false},
		{OrderStatusRejected, OrderStatusOpen, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, OrderStatusFilled.Terminal())
	assert.False(t, OrderStatusPartial.Terminal())
}

func TestOrderRequestValidate(t *testing.T) {
	ok := OrderRequest{Symbol: "AAPL", Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: d("1")}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Quantity = d("0")
	assert.ErrorIs(t, bad.Validate(), ErrInvalidArgument)

	bad = ok
	bad.Side = "HOLD"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidArgument)

	bad = ok
	bad.Type = OrderTypeLimit
	neg := d("-1")
	bad.LimitPrice = &neg
	assert.ErrorIs(t, bad.Validate(), ErrInvalidArgument)
}

func TestPositionApply(t *testing.T) {
	var p Position

	p = p.Apply(d("60"), d("50"))
	assert.True(t, p.Quantity.Equal(d("60")))
	assert.True(t, p.AvgEntryPrice.Equal(d("50")))

	p = p.Apply(d("40"), d("51"))
	assert.True(t, p.Quantity.Equal(d("100")))
	assert.True(t, p.AvgEntryPrice.Equal(d("50.4")))

	// Reducing keeps the entry price.
	p = p.Apply(d("-30"), d("55"))
	assert.True(t, p.Quantity.Equal(d("70")))
	assert.True(t, p.AvgEntryPrice.Equal(d("50.4")))

	// Crossing zero opens the residual at the fill price.
	p = p.Apply(d("-100"), d("52"))
	assert.True(t, p.Quantity.Equal(d("-30")))
	assert.True(t, p.AvgEntryPrice.Equal(d("52")))

	p = p.Apply(d("30"), d("49"))
	assert.True(t, p.Flat())
	assert.True(t, p.AvgEntryPrice.IsZero())
	assert.True(t, p.LastPrice.Equal(d("49")))
}

func TestCapabilities(t *testing.T) {
	admin := Caller{ID: "a", Role: RoleAdmin, Capabilities: CapabilitiesFor(RoleAdmin)}
	quant := Caller{ID: "q", Role: RoleQuant, Capabilities: CapabilitiesFor(RoleQuant)}
	viewer := Caller{ID: "v", Role: RoleViewer, Capabilities: CapabilitiesFor(RoleViewer)}

	assert.True(t, admin.Can(CapKillSwitch))
	assert.True(t, quant.Can(CapTrading))
	assert.False(t, quant.Can(CapKillSwitch))
	assert.False(t, viewer.Can(CapTrading))
	assert.Empty(t, CapabilitiesFor("GUEST"))

	_, err := Authorize(context.Background(), CapReadOnly)
	assert.ErrorIs(t, err, ErrForbidden)

	ctx := WithCaller(context.Background(), quant)
	got, err := Authorize(ctx, CapTrading)
	require.NoError(t, err)
	assert.Equal(t, "q", got.ID)
	_, err = Authorize(ctx, CapMandateOverride)
	assert.ErrorIs(t, err, ErrForbidden)
}
