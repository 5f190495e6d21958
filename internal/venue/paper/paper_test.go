package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
	"keel/internal/venue"
)

func TestMarketFillAppliesSlippage(t *testing.T) {
	g := New()
	ctx := context.Background()
	g.SetPrice("BTCUSDT", 100)
	g.SetSlippageBps(50)

	ack, err := g.SubmitOrder(ctx, venue.OrderSpec{
		LocalID: "ord-1", Symbol: "BTCUSDT", Side: types.SideBuy,
		Kind: types.KindMarket, Quantity: 1,
	})
	require.NoError(t, err)

	status, err := g.GetOrder(ctx, "BTCUSDT", ack.VenueID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, status.State)
	assert.Equal(t, 100.5, status.FilledAvgPrice, "buys slip upward")

	ack, err = g.SubmitOrder(ctx, venue.OrderSpec{
		LocalID: "ord-2", Symbol: "BTCUSDT", Side: types.SideSell,
		Kind: types.KindMarket, Quantity: 1,
	})
	require.NoError(t, err)

	status, err = g.GetOrder(ctx, "BTCUSDT", ack.VenueID, "")
	require.NoError(t, err)
	assert.Equal(t, 99.5, status.FilledAvgPrice, "sells slip downward")
}

func TestDuplicateClientIDRejected(t *testing.T) {
	g := New()
	ctx := context.Background()
	g.SetPrice("BTCUSDT", 100)

	spec := venue.OrderSpec{
		LocalID: "ord-1", Symbol: "BTCUSDT", Side: types.SideBuy,
		Kind: types.KindLimit, TimeInForce: types.TIFGoodTilCanceled,
		Quantity: 1, LimitPrice: 90,
	}
	_, err := g.SubmitOrder(ctx, spec)
	require.NoError(t, err)

	_, err = g.SubmitOrder(ctx, spec)
	assert.True(t, venue.IsRejection(err))
}

func TestForcedTerminalStatesStick(t *testing.T) {
	g := New()
	ctx := context.Background()
	g.SetPrice("BTCUSDT", 100)

	ack, err := g.SubmitOrder(ctx, venue.OrderSpec{
		LocalID: "ord-1", Symbol: "BTCUSDT", Side: types.SideSell,
		Kind: types.KindLimit, TimeInForce: types.TIFGoodTilCanceled,
		Quantity: 1, LimitPrice: 110,
	})
	require.NoError(t, err)

	g.RejectOrder(ack.VenueID, "price outside limits")
	status, err := g.GetOrder(ctx, "BTCUSDT", "", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderRejected, status.State)
	assert.Equal(t, "price outside limits", status.Reason)

	// Terminal orders never move again, whatever the venue is told next.
	g.ExpireOrder(ack.VenueID)
	g.FillOrder(ack.VenueID, 1, 110)
	status, err = g.GetOrder(ctx, "BTCUSDT", ack.VenueID, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderRejected, status.State)
	assert.Zero(t, status.FilledQuantity)
}
