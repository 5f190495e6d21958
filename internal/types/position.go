package types

import (
	"time"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type CloseReason string

const (
	CloseTakeProfit    CloseReason = "take_profit"
	CloseStopLoss      CloseReason = "stop_loss"
	CloseManual        CloseReason = "manual"
	CloseExpiredOrders CloseReason = "expired_orders"
	CloseUnknown       CloseReason = "unknown"
)

// Position is one open or closed holding. Protective order references point
// at OrderRecords by local id; both empty (or terminal) means the position
// is unprotected and the exit guard must correct it within one cycle.
type Position struct {
	ID        string
	SessionID string
	Symbol    string
	Side      OrderSide

	Quantity     float64
	EntryPrice   float64
	EntryOrderID string
	OpenedAt     time.Time

	TakeProfitOrderID string
	StopLossOrderID   string

	Status      PositionStatus
	CloseReason CloseReason
	ClosedAt    *time.Time
	ClosePrice  float64
	RealizedPnL float64

	// Unprotected is raised by the reconciler when no live protective leg
	// remains and cleared by the exit guard once replacements are accepted.
	Unprotected bool
}

func (p *Position) Open() bool {
	return p != nil && p.Status == PositionOpen
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ClosedAt != nil {
		ts := *p.ClosedAt
		cp.ClosedAt = &ts
	}
	return &cp
}

// AccountSnapshot mirrors the venue account summary carried in checkpoints.
type AccountSnapshot struct {
	Equity      float64   `json:"equity"`
	Cash        float64   `json:"cash"`
	BuyingPower float64   `json:"buying_power"`
	Currency    string    `json:"currency"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntrySpec is what a strategy hands the engine when it wants a position
// opened.
type EntrySpec struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Limit    float64 // 0 means market
	Detector string
}
