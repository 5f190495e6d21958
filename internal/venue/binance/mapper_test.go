package binance

import (
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
	"keel/internal/venue"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	err := classify("op", &common.APIError{Code: codeUnknownOrder, Message: "Order does not exist."})
	assert.ErrorIs(t, err, venue.ErrOrderNotFound)

	err = classify("op", &common.APIError{Code: -4164, Message: "Order's notional must be no smaller than 5"})
	assert.True(t, venue.IsRejection(err))

	err = classify("op", errors.New("connection reset by peer"))
	assert.True(t, venue.IsTransient(err))

	// Rate limiting is back-pressure, not a verdict on the order.
	err = classify("op", &common.APIError{Code: codeTooManyRequests, Message: "Too many requests."})
	assert.True(t, venue.IsTransient(err))
	assert.False(t, venue.IsRejection(err))

	err = classify("op", &common.APIError{Code: codeTooManyOrders, Message: "Too many new orders."})
	assert.True(t, venue.IsTransient(err))
}

func TestStatusToState(t *testing.T) {
	cases := map[futures.OrderStatusType]types.OrderState{
		futures.OrderStatusTypeNew:             types.OrderAcknowledged,
		futures.OrderStatusTypePartiallyFilled: types.OrderPartiallyFilled,
		futures.OrderStatusTypeFilled:          types.OrderFilled,
		futures.OrderStatusTypeCanceled:        types.OrderCanceled,
		futures.OrderStatusTypeExpired:         types.OrderExpired,
		futures.OrderStatusTypeRejected:        types.OrderRejected,
	}
	for status, want := range cases {
		assert.Equal(t, want, statusToState(status), string(status))
	}
}

func TestPositionRiskToSnapshot(t *testing.T) {
	_, ok := positionRiskToSnapshot(&futures.PositionRisk{Symbol: "BTCUSDT", PositionAmt: "0"})
	assert.False(t, ok, "flat positions are skipped")

	snap, ok := positionRiskToSnapshot(&futures.PositionRisk{
		Symbol: "btcusdt", PositionAmt: "-0.5", EntryPrice: "50000", MarkPrice: "49500",
	})
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, types.SideSell, snap.Side)
	assert.Equal(t, 0.5, snap.Quantity)
}

func TestKindToVenue(t *testing.T) {
	assert.Equal(t, futures.OrderTypeMarket, kindToVenue(types.KindMarket))
	assert.Equal(t, futures.OrderTypeLimit, kindToVenue(types.KindLimit))
	assert.Equal(t, futures.OrderTypeStopMarket, kindToVenue(types.KindStop))
	assert.Equal(t, futures.OrderTypeStop, kindToVenue(types.KindStopLimit))
	assert.Equal(t, futures.OrderTypeTrailingStopMarket, kindToVenue(types.KindTrailingStop))
}
