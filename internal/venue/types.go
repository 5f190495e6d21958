package venue

import (
	"time"

	"keel/internal/types"
)

// OrderSpec is everything the gateway needs to place one order. LocalID is
// passed through as the client order id so venue reports can be matched back
// before a venue id exists.
type OrderSpec struct {
	LocalID     string
	Symbol      string
	Side        types.OrderSide
	Kind        types.OrderKind
	TimeInForce types.TimeInForce
	Quantity    float64
	LimitPrice  float64
	StopPrice   float64
}

type OrderAck struct {
	VenueID    string
	State      types.OrderState
	AcceptedAt time.Time
}

// OrderStatus is the venue-reported truth for one order.
type OrderStatus struct {
	VenueID        string
	LocalID        string
	Symbol         string
	State          types.OrderState
	FilledQuantity float64
	FilledAvgPrice float64
	Reason         string
	UpdatedAt      time.Time
}

type PositionSnapshot struct {
	Symbol        string
	Side          types.OrderSide
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

type PriceQuote struct {
	Symbol string
	Price  float64
	At     time.Time
}

type EventType string

const (
	EventNew         EventType = "new"
	EventFill        EventType = "fill"
	EventPartialFill EventType = "partial_fill"
	EventCanceled    EventType = "canceled"
	EventExpired     EventType = "expired"
	EventRejected    EventType = "rejected"
)

// OrderEvent is one order lifecycle event from the push stream.
type OrderEvent struct {
	Type           EventType
	VenueID        string
	LocalID        string
	Symbol         string
	State          types.OrderState
	FilledQuantity float64
	FilledPrice    float64
	Timestamp      time.Time
}

// StreamOptions mirrors the subscription knobs of the push stream. The
// callbacks fire on every (re)connect and disconnect.
type StreamOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}
