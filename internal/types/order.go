package types

import (
	"strings"
	"time"
)

type OrderState string

const (
	OrderSubmitted       OrderState = "submitted"
	OrderAcknowledged    OrderState = "acknowledged"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderExpired         OrderState = "expired"
	OrderRejected        OrderState = "rejected"
)

// stateRank orders lifecycle states so transitions can only move forward.
// Terminal states share the highest rank; once there an order is frozen.
func stateRank(s OrderState) int {
	switch s {
	case OrderSubmitted:
		return 0
	case OrderAcknowledged:
		return 1
	case OrderPartiallyFilled:
		return 2
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return 3
	default:
		return -1
	}
}

func (s OrderState) Valid() bool {
	return stateRank(s) >= 0
}

func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal, monotonic
// lifecycle transition. Re-applying the current state is allowed so venue
// updates stay idempotent. A terminal state never transitions to a different
// state, terminal or not.
func (s OrderState) CanTransition(next OrderState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return stateRank(next) >= stateRank(s)
}

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderKind string

const (
	KindMarket       OrderKind = "market"
	KindLimit        OrderKind = "limit"
	KindStop         OrderKind = "stop"
	KindStopLimit    OrderKind = "stop_limit"
	KindTrailingStop OrderKind = "trailing_stop"
)

type TimeInForce string

const (
	TIFGoodTilCanceled TimeInForce = "gtc"
	TIFDay             TimeInForce = "day"
)

// OrderRole distinguishes entry orders from the protective legs attached to
// a position.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleTakeProfit OrderRole = "take_profit"
)

// OrderRecord is the durable record of one order ever submitted. It is
// created on submission, mutated only from venue-reported truth, and frozen
// once terminal.
type OrderRecord struct {
	LocalID    string
	VenueID    string // empty until the venue acknowledges
	PositionID string // owning position, empty for standalone orders

	Symbol      string
	Side        OrderSide
	Kind        OrderKind
	Role        OrderRole
	TimeInForce TimeInForce
	Quantity    float64
	LimitPrice  float64
	StopPrice   float64

	State          OrderState
	FilledQuantity float64
	FilledAvgPrice float64
	Reason         string // rejection/cancellation reason, if any

	SubmittedAt time.Time
	TerminalAt  *time.Time
}

func (o *OrderRecord) Terminal() bool {
	return o != nil && o.State.Terminal()
}

func (o *OrderRecord) Protective() bool {
	return o != nil && (o.Role == RoleStopLoss || o.Role == RoleTakeProfit)
}

func (o *OrderRecord) Clone() *OrderRecord {
	if o == nil {
		return nil
	}
	cp := *o
	if o.TerminalAt != nil {
		ts := *o.TerminalAt
		cp.TerminalAt = &ts
	}
	return &cp
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
