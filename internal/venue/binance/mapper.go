package binance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"keel/internal/types"
	"keel/internal/venue"
)

// Venue error codes worth special-casing.
const (
	codeUnknownOrder    = -2013
	codeCancelRejected  = -2011
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
)

// classify maps SDK errors onto the gateway error taxonomy: unknown-order
// codes become ErrOrderNotFound, rate-limit responses are transient so they
// get retried with backoff instead of being treated as final refusals,
// other API refusals become rejections, and everything else (network,
// timeout) is transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeUnknownOrder, codeCancelRejected:
			return venue.ErrOrderNotFound
		case codeTooManyRequests, codeTooManyOrders:
			return venue.Transient(op, err)
		}
		return &venue.RejectionError{
			Code:    strconv.FormatInt(apiErr.Code, 10),
			Message: apiErr.Message,
		}
	}
	return venue.Transient(op, err)
}

func sideToVenue(side types.OrderSide) futures.SideType {
	if side == types.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func sideFromVenue(side futures.SideType) types.OrderSide {
	if side == futures.SideTypeSell {
		return types.SideSell
	}
	return types.SideBuy
}

func kindToVenue(kind types.OrderKind) futures.OrderType {
	switch kind {
	case types.KindLimit:
		return futures.OrderTypeLimit
	case types.KindStop:
		return futures.OrderTypeStopMarket
	case types.KindStopLimit:
		return futures.OrderTypeStop
	case types.KindTrailingStop:
		return futures.OrderTypeTrailingStopMarket
	default:
		return futures.OrderTypeMarket
	}
}

func tifToVenue(tif types.TimeInForce) futures.TimeInForceType {
	// Futures has no session-scoped day orders; GTC is the closest fit for
	// both of our values and callers rely on the guard to size expiries.
	_ = tif
	return futures.TimeInForceTypeGTC
}

func statusToState(status futures.OrderStatusType) types.OrderState {
	switch status {
	case futures.OrderStatusTypeNew:
		return types.OrderAcknowledged
	case futures.OrderStatusTypePartiallyFilled:
		return types.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return types.OrderFilled
	case futures.OrderStatusTypeCanceled:
		return types.OrderCanceled
	case futures.OrderStatusTypeExpired:
		return types.OrderExpired
	case futures.OrderStatusTypeRejected:
		return types.OrderRejected
	default:
		return types.OrderAcknowledged
	}
}

func orderToStatus(ord *futures.Order) venue.OrderStatus {
	return venue.OrderStatus{
		VenueID:        formatVenueID(ord.OrderID),
		LocalID:        ord.ClientOrderID,
		Symbol:         types.NormalizeSymbol(ord.Symbol),
		State:          statusToState(ord.Status),
		FilledQuantity: parseFloat(ord.ExecutedQuantity),
		FilledAvgPrice: parseFloat(ord.AvgPrice),
		UpdatedAt:      time.UnixMilli(ord.UpdateTime),
	}
}

func positionRiskToSnapshot(r *futures.PositionRisk) (venue.PositionSnapshot, bool) {
	amt := parseFloat(r.PositionAmt)
	if math.Abs(amt) < 1e-9 {
		return venue.PositionSnapshot{}, false
	}
	side := types.SideBuy
	if amt < 0 {
		side = types.SideSell
	}
	return venue.PositionSnapshot{
		Symbol:        types.NormalizeSymbol(r.Symbol),
		Side:          side,
		Quantity:      math.Abs(amt),
		EntryPrice:    parseFloat(r.EntryPrice),
		MarkPrice:     parseFloat(r.MarkPrice),
		UnrealizedPnL: parseFloat(r.UnRealizedProfit),
	}, true
}

func formatVenueID(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

func parseVenueID(venueID string) (int64, error) {
	id, err := strconv.ParseInt(venueID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: bad venue order id %q: %w", venueID, err)
	}
	return id, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
