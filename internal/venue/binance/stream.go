package binance

import (
	"context"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"keel/internal/logger"
	"keel/internal/types"
	"keel/internal/venue"
)

const keepaliveInterval = 25 * time.Minute

// StreamEvents opens one user-data stream connection. The returned channel
// closes when the connection dies or ctx is canceled; the stream manager
// owns reconnection.
func (g *Gateway) StreamEvents(ctx context.Context, opts venue.StreamOptions) (<-chan venue.OrderEvent, error) {
	listenKey, err := g.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classify("start_user_stream", err)
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	out := make(chan venue.OrderEvent, buffer)

	var errMu sync.Mutex
	var lastErr error
	handler := func(event *futures.WsUserDataEvent) {
		if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		evt, ok := convertOrderUpdate(&event.OrderTradeUpdate)
		if !ok {
			return
		}
		select {
		case out <- evt:
		default:
			// The poll sweep recovers anything the consumer misses.
		}
	}
	errHandler := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return nil, venue.Transient("user_data_stream", err)
	}
	if opts.OnConnect != nil {
		opts.OnConnect()
	}

	go g.keepAlive(ctx, listenKey, doneC)
	go func() {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
		case <-doneC:
		}
		close(out)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.client.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
			logger.Debugf("binance: close user stream failed: %v", err)
		}
		cancel()
	}()
	return out, nil
}

// keepAlive pings the listen key until the connection or ctx ends; Binance
// drops keys idle for an hour.
func (g *Gateway) keepAlive(ctx context.Context, listenKey string, doneC chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-doneC:
			return
		case <-ticker.C:
			kctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kctx)
			cancel()
			if err != nil {
				logger.Warnf("binance: listen key keepalive failed: %v", err)
			}
		}
	}
}

func convertOrderUpdate(u *futures.WsOrderTradeUpdate) (venue.OrderEvent, bool) {
	if u == nil || u.Symbol == "" {
		return venue.OrderEvent{}, false
	}
	state := statusToState(u.Status)
	return venue.OrderEvent{
		Type:           eventTypeFor(u.Status),
		VenueID:        formatVenueID(u.ID),
		LocalID:        u.ClientOrderID,
		Symbol:         types.NormalizeSymbol(u.Symbol),
		State:          state,
		FilledQuantity: parseFloat(u.AccumulatedFilledQty),
		FilledPrice:    parseFloat(u.AveragePrice),
		Timestamp:      time.UnixMilli(u.TradeTime),
	}, true
}

func eventTypeFor(status futures.OrderStatusType) venue.EventType {
	switch status {
	case futures.OrderStatusTypeNew:
		return venue.EventNew
	case futures.OrderStatusTypePartiallyFilled:
		return venue.EventPartialFill
	case futures.OrderStatusTypeFilled:
		return venue.EventFill
	case futures.OrderStatusTypeCanceled:
		return venue.EventCanceled
	case futures.OrderStatusTypeExpired:
		return venue.EventExpired
	case futures.OrderStatusTypeRejected:
		return venue.EventRejected
	default:
		return venue.EventNew
	}
}
