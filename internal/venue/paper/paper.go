// Package paper is an in-process venue used for paper trading and tests.
// It honors the full Gateway contract and exposes control hooks so tests
// can force fills, cancellations, and expirations deterministically.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"keel/internal/types"
	"keel/internal/venue"
)

type paperOrder struct {
	spec      venue.OrderSpec
	venueID   string
	state     types.OrderState
	filledQty float64
	avgPrice  float64
	reason    string
	updatedAt time.Time
}

type Gateway struct {
	mu sync.Mutex

	orders    map[string]*paperOrder // by venue id
	byLocalID map[string]string
	positions map[string]venue.PositionSnapshot
	prices    map[string]float64
	account   types.AccountSnapshot

	slippageBps int64
	submitErrs  []error

	subMu sync.Mutex
	subs  []chan venue.OrderEvent
}

func New() *Gateway {
	return &Gateway{
		orders:    make(map[string]*paperOrder),
		byLocalID: make(map[string]string),
		positions: make(map[string]venue.PositionSnapshot),
		prices:    make(map[string]float64),
		account: types.AccountSnapshot{
			Equity: 10_000, Cash: 10_000, BuyingPower: 10_000,
			Currency: "USDT", UpdatedAt: time.Now(),
		},
	}
}

// ------------------------------ Gateway -------------------------------

func (g *Gateway) SubmitOrder(ctx context.Context, spec venue.OrderSpec) (venue.OrderAck, error) {
	g.mu.Lock()
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		g.mu.Unlock()
		return venue.OrderAck{}, err
	}
	if spec.LocalID == "" {
		g.mu.Unlock()
		return venue.OrderAck{}, &venue.RejectionError{Code: "MISSING_CLIENT_ID", Message: "local id required"}
	}
	if _, dup := g.byLocalID[spec.LocalID]; dup {
		g.mu.Unlock()
		return venue.OrderAck{}, &venue.RejectionError{Code: "DUP_CLIENT_ID", Message: spec.LocalID}
	}
	ord := &paperOrder{
		spec:      spec,
		venueID:   uuid.NewString(),
		state:     types.OrderAcknowledged,
		updatedAt: time.Now(),
	}
	g.orders[ord.venueID] = ord
	g.byLocalID[spec.LocalID] = ord.venueID
	ack := venue.OrderAck{VenueID: ord.venueID, State: ord.state, AcceptedAt: ord.updatedAt}
	g.mu.Unlock()

	g.emit(eventFor(ord, venue.EventNew))

	// Market orders fill immediately at the quoted price plus slippage.
	if spec.Kind == types.KindMarket {
		g.FillOrder(ord.venueID, spec.Quantity, 0)
	}
	return ack, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, venueID string) error {
	g.mu.Lock()
	ord, ok := g.orders[venueID]
	if !ok {
		g.mu.Unlock()
		return venue.ErrOrderNotFound
	}
	if ord.state.Terminal() {
		// Canceling a finished order is a no-op at the venue.
		g.mu.Unlock()
		return nil
	}
	ord.state = types.OrderCanceled
	ord.updatedAt = time.Now()
	snapshot := *ord
	g.mu.Unlock()

	g.emit(eventFor(&snapshot, venue.EventCanceled))
	return nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, venueID, localID string) (venue.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ord := g.lookupLocked(venueID, localID)
	if ord == nil {
		return venue.OrderStatus{}, venue.ErrOrderNotFound
	}
	return statusFor(ord), nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]venue.PositionSnapshot, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p)
	}
	return out, nil
}

func (g *Gateway) LatestPrice(ctx context.Context, symbol string) (venue.PriceQuote, error) {
	symbol = types.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[symbol]
	if !ok {
		return venue.PriceQuote{}, fmt.Errorf("paper: no price for %s", symbol)
	}
	return venue.PriceQuote{Symbol: symbol, Price: price, At: time.Now()}, nil
}

func (g *Gateway) AccountSummary(ctx context.Context) (types.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct := g.account
	acct.UpdatedAt = time.Now()
	return acct, nil
}

func (g *Gateway) RecentCloses(ctx context.Context, symbol string, limit int) ([]float64, error) {
	quote, err := g.LatestPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	// Flat synthetic history is enough for indicator warm-up in paper mode.
	out := make([]float64, limit)
	for i := range out {
		out[i] = quote.Price
	}
	return out, nil
}

func (g *Gateway) StreamEvents(ctx context.Context, opts venue.StreamOptions) (<-chan venue.OrderEvent, error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan venue.OrderEvent, buffer)
	g.subMu.Lock()
	g.subs = append(g.subs, ch)
	g.subMu.Unlock()
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	go func() {
		<-ctx.Done()
		g.subMu.Lock()
		for i, sub := range g.subs {
			if sub == ch {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
		g.subMu.Unlock()
		close(ch)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(ctx.Err())
		}
	}()
	return ch, nil
}

func (g *Gateway) Close() error { return nil }

// --------------------------- control hooks ----------------------------

func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.prices[types.NormalizeSymbol(symbol)] = price
	g.mu.Unlock()
}

func (g *Gateway) SetAccount(a types.AccountSnapshot) {
	g.mu.Lock()
	g.account = a
	g.mu.Unlock()
}

func (g *Gateway) SetSlippageBps(bps int64) {
	g.mu.Lock()
	g.slippageBps = bps
	g.mu.Unlock()
}

// SetPositions replaces the venue's authoritative open-position list.
func (g *Gateway) SetPositions(positions ...venue.PositionSnapshot) {
	g.mu.Lock()
	g.positions = make(map[string]venue.PositionSnapshot, len(positions))
	for _, p := range positions {
		g.positions[types.NormalizeSymbol(p.Symbol)] = p
	}
	g.mu.Unlock()
}

func (g *Gateway) RemovePosition(symbol string) {
	g.mu.Lock()
	delete(g.positions, types.NormalizeSymbol(symbol))
	g.mu.Unlock()
}

// FailNextSubmit makes the next SubmitOrder fail with a transient error.
// Queued failures are consumed in order, one per submission.
func (g *Gateway) FailNextSubmit(err error) {
	g.mu.Lock()
	g.submitErrs = append(g.submitErrs, venue.Transient("submit_order", err))
	g.mu.Unlock()
}

// RejectNextSubmit makes the next SubmitOrder come back rejected. Queued
// rejections are consumed in order, one per submission.
func (g *Gateway) RejectNextSubmit(code, message string) {
	g.mu.Lock()
	g.submitErrs = append(g.submitErrs, &venue.RejectionError{Code: code, Message: message})
	g.mu.Unlock()
}

// FillOrder fills an order at the given price (0 means quoted price plus
// slippage) and emits the matching event.
func (g *Gateway) FillOrder(venueID string, qty, price float64) {
	g.mu.Lock()
	ord, ok := g.orders[venueID]
	if !ok || ord.state.Terminal() {
		g.mu.Unlock()
		return
	}
	if price <= 0 {
		quoted := g.prices[types.NormalizeSymbol(ord.spec.Symbol)]
		price = g.applySlippageLocked(quoted, ord.spec.Side)
	}
	prev := ord.filledQty
	ord.filledQty += qty
	if ord.filledQty >= ord.spec.Quantity {
		ord.filledQty = ord.spec.Quantity
		ord.state = types.OrderFilled
	} else {
		ord.state = types.OrderPartiallyFilled
	}
	ord.avgPrice = price
	ord.updatedAt = time.Now()
	g.applyFillToBookLocked(ord, ord.filledQty-prev, price)
	snapshot := *ord
	g.mu.Unlock()

	evtType := venue.EventPartialFill
	if snapshot.state == types.OrderFilled {
		evtType = venue.EventFill
	}
	g.emit(eventFor(&snapshot, evtType))
}

// applyFillToBookLocked keeps the venue's own position book in step with
// fills: same-side fills grow the position, opposite-side fills reduce it
// and remove it once flat.
func (g *Gateway) applyFillToBookLocked(ord *paperOrder, delta, price float64) {
	if delta <= 0 {
		return
	}
	sym := types.NormalizeSymbol(ord.spec.Symbol)
	pos, ok := g.positions[sym]
	if !ok {
		g.positions[sym] = venue.PositionSnapshot{
			Symbol:     sym,
			Side:       ord.spec.Side,
			Quantity:   delta,
			EntryPrice: price,
			MarkPrice:  price,
		}
		return
	}
	if pos.Side == ord.spec.Side {
		pos.Quantity += delta
	} else {
		pos.Quantity -= delta
		if pos.Quantity <= 1e-9 {
			delete(g.positions, sym)
			return
		}
	}
	pos.MarkPrice = price
	g.positions[sym] = pos
}

// ExpireOrder moves a pending order to expired, as the venue does with day
// orders at session close.
func (g *Gateway) ExpireOrder(venueID string) {
	g.forceTerminal(venueID, types.OrderExpired, venue.EventExpired, "time in force elapsed")
}

func (g *Gateway) RejectOrder(venueID, reason string) {
	g.forceTerminal(venueID, types.OrderRejected, venue.EventRejected, reason)
}

func (g *Gateway) CancelOrderExternally(venueID string) {
	g.forceTerminal(venueID, types.OrderCanceled, venue.EventCanceled, "canceled at venue")
}

func (g *Gateway) forceTerminal(venueID string, state types.OrderState, evtType venue.EventType, reason string) {
	g.mu.Lock()
	ord, ok := g.orders[venueID]
	if !ok || ord.state.Terminal() {
		g.mu.Unlock()
		return
	}
	ord.state = state
	ord.reason = reason
	ord.updatedAt = time.Now()
	snapshot := *ord
	g.mu.Unlock()
	g.emit(eventFor(&snapshot, evtType))
}

// VenueIDFor resolves the venue id assigned to a local order id.
func (g *Gateway) VenueIDFor(localID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byLocalID[localID]
	return id, ok
}

// ------------------------------ helpers -------------------------------

func (g *Gateway) lookupLocked(venueID, localID string) *paperOrder {
	if venueID != "" {
		if ord, ok := g.orders[venueID]; ok {
			return ord
		}
	}
	if localID != "" {
		if vid, ok := g.byLocalID[localID]; ok {
			return g.orders[vid]
		}
	}
	return nil
}

func (g *Gateway) applySlippageLocked(price float64, side types.OrderSide) float64 {
	if price <= 0 || g.slippageBps == 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	slip := p.Mul(decimal.New(g.slippageBps, -4))
	if side == types.SideBuy {
		p = p.Add(slip)
	} else {
		p = p.Sub(slip)
	}
	out, _ := p.Float64()
	return out
}

func (g *Gateway) emit(evt venue.OrderEvent) {
	g.subMu.Lock()
	subs := make([]chan venue.OrderEvent, len(g.subs))
	copy(subs, g.subs)
	g.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Subscribers that stop draining lose events, same as a real
			// push stream. The polling sweep recovers the truth.
		}
	}
}

func eventFor(ord *paperOrder, evtType venue.EventType) venue.OrderEvent {
	return venue.OrderEvent{
		Type:           evtType,
		VenueID:        ord.venueID,
		LocalID:        ord.spec.LocalID,
		Symbol:         types.NormalizeSymbol(ord.spec.Symbol),
		State:          ord.state,
		FilledQuantity: ord.filledQty,
		FilledPrice:    ord.avgPrice,
		Timestamp:      ord.updatedAt,
	}
}

func statusFor(ord *paperOrder) venue.OrderStatus {
	return venue.OrderStatus{
		VenueID:        ord.venueID,
		LocalID:        ord.spec.LocalID,
		Symbol:         types.NormalizeSymbol(ord.spec.Symbol),
		State:          ord.state,
		FilledQuantity: ord.filledQty,
		FilledAvgPrice: ord.avgPrice,
		Reason:         ord.reason,
		UpdatedAt:      ord.updatedAt,
	}
}

var _ venue.Gateway = (*Gateway)(nil)
