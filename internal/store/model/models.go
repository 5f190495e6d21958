// Package model holds the gorm table models for the durable trading state.
package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"

	"keel/internal/types"
)

type SessionModel struct {
	ID            string  `gorm:"column:id;primaryKey"`
	Status        string  `gorm:"column:status;index"`
	TotalTrades   int     `gorm:"column:total_trades"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	StartedAtUnix int64   `gorm:"column:started_at"`
	EndedAtUnix   int64   `gorm:"column:ended_at"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (SessionModel) TableName() string { return "sessions" }

type OrderRecordModel struct {
	LocalID        string  `gorm:"column:local_id;primaryKey"`
	VenueID        string  `gorm:"column:venue_id;index"`
	PositionID     string  `gorm:"column:position_id;index"`
	Symbol         string  `gorm:"column:symbol;index"`
	Side           string  `gorm:"column:side"`
	Kind           string  `gorm:"column:kind"`
	Role           string  `gorm:"column:role"`
	TimeInForce    string  `gorm:"column:time_in_force"`
	Quantity       float64 `gorm:"column:quantity"`
	LimitPrice     float64 `gorm:"column:limit_price"`
	StopPrice      float64 `gorm:"column:stop_price"`
	State          string  `gorm:"column:state;index"`
	FilledQuantity float64 `gorm:"column:filled_quantity"`
	FilledAvgPrice float64 `gorm:"column:filled_avg_price"`
	Reason         string  `gorm:"column:reason"`
	SubmittedAt    int64   `gorm:"column:submitted_at"`
	TerminalAt     int64   `gorm:"column:terminal_at"`
	CreatedAtUnix  int64   `gorm:"column:created_at"`
	UpdatedAtUnix  int64   `gorm:"column:updated_at"`
}

func (OrderRecordModel) TableName() string { return "order_records" }

type PositionModel struct {
	ID                string  `gorm:"column:id;primaryKey"`
	SessionID         string  `gorm:"column:session_id;index"`
	Symbol            string  `gorm:"column:symbol;index"`
	Side              string  `gorm:"column:side"`
	Quantity          float64 `gorm:"column:quantity"`
	EntryPrice        float64 `gorm:"column:entry_price"`
	EntryOrderID      string  `gorm:"column:entry_order_id"`
	TakeProfitOrderID string  `gorm:"column:take_profit_order_id"`
	StopLossOrderID   string  `gorm:"column:stop_loss_order_id"`
	Status            string  `gorm:"column:status;index"`
	CloseReason       string  `gorm:"column:close_reason"`
	ClosePrice        float64 `gorm:"column:close_price"`
	RealizedPnL       float64 `gorm:"column:realized_pnl"`
	Unprotected       int     `gorm:"column:unprotected"`
	OpenedAt          int64   `gorm:"column:opened_at"`
	ClosedAt          int64   `gorm:"column:closed_at"`
	CreatedAtUnix     int64   `gorm:"column:created_at"`
	UpdatedAtUnix     int64   `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type CheckpointModel struct {
	Seq           uint64         `gorm:"column:seq;primaryKey;autoIncrement"`
	SessionID     string         `gorm:"column:session_id;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (CheckpointModel) TableName() string { return "checkpoints" }

// --------------------------- conversions ------------------------------

func NewSessionModel(s types.Session) SessionModel {
	now := time.Now()
	return SessionModel{
		ID:            s.ID,
		Status:        string(s.Status),
		TotalTrades:   s.TotalTrades,
		RealizedPnL:   s.RealizedPnL,
		StartedAtUnix: s.StartedAt.UnixMilli(),
		EndedAtUnix:   timeToMillis(s.EndedAt),
		CreatedAtUnix: now.UnixMilli(),
		UpdatedAtUnix: now.UnixMilli(),
	}
}

func SessionModelToRecord(m SessionModel) types.Session {
	s := types.Session{
		ID:          m.ID,
		Status:      types.SessionStatus(m.Status),
		TotalTrades: m.TotalTrades,
		RealizedPnL: m.RealizedPnL,
		StartedAt:   millisToTime(m.StartedAtUnix),
	}
	if m.EndedAtUnix > 0 {
		ts := millisToTime(m.EndedAtUnix)
		s.EndedAt = &ts
	}
	return s
}

func NewOrderRecordModel(rec types.OrderRecord) OrderRecordModel {
	now := time.Now()
	return OrderRecordModel{
		LocalID:        strings.TrimSpace(rec.LocalID),
		VenueID:        strings.TrimSpace(rec.VenueID),
		PositionID:     strings.TrimSpace(rec.PositionID),
		Symbol:         types.NormalizeSymbol(rec.Symbol),
		Side:           string(rec.Side),
		Kind:           string(rec.Kind),
		Role:           string(rec.Role),
		TimeInForce:    string(rec.TimeInForce),
		Quantity:       rec.Quantity,
		LimitPrice:     rec.LimitPrice,
		StopPrice:      rec.StopPrice,
		State:          string(rec.State),
		FilledQuantity: rec.FilledQuantity,
		FilledAvgPrice: rec.FilledAvgPrice,
		Reason:         strings.TrimSpace(rec.Reason),
		SubmittedAt:    rec.SubmittedAt.UnixMilli(),
		TerminalAt:     timeToMillis(rec.TerminalAt),
		CreatedAtUnix:  now.UnixMilli(),
		UpdatedAtUnix:  now.UnixMilli(),
	}
}

func OrderRecordModelToRecord(m OrderRecordModel) types.OrderRecord {
	rec := types.OrderRecord{
		LocalID:        m.LocalID,
		VenueID:        m.VenueID,
		PositionID:     m.PositionID,
		Symbol:         m.Symbol,
		Side:           types.OrderSide(m.Side),
		Kind:           types.OrderKind(m.Kind),
		Role:           types.OrderRole(m.Role),
		TimeInForce:    types.TimeInForce(m.TimeInForce),
		Quantity:       m.Quantity,
		LimitPrice:     m.LimitPrice,
		StopPrice:      m.StopPrice,
		State:          types.OrderState(m.State),
		FilledQuantity: m.FilledQuantity,
		FilledAvgPrice: m.FilledAvgPrice,
		Reason:         m.Reason,
		SubmittedAt:    millisToTime(m.SubmittedAt),
	}
	if m.TerminalAt > 0 {
		ts := millisToTime(m.TerminalAt)
		rec.TerminalAt = &ts
	}
	return rec
}

func NewPositionModel(p types.Position) PositionModel {
	now := time.Now()
	return PositionModel{
		ID:                strings.TrimSpace(p.ID),
		SessionID:         strings.TrimSpace(p.SessionID),
		Symbol:            types.NormalizeSymbol(p.Symbol),
		Side:              string(p.Side),
		Quantity:          p.Quantity,
		EntryPrice:        p.EntryPrice,
		EntryOrderID:      strings.TrimSpace(p.EntryOrderID),
		TakeProfitOrderID: strings.TrimSpace(p.TakeProfitOrderID),
		StopLossOrderID:   strings.TrimSpace(p.StopLossOrderID),
		Status:            string(p.Status),
		CloseReason:       string(p.CloseReason),
		ClosePrice:        p.ClosePrice,
		RealizedPnL:       p.RealizedPnL,
		Unprotected:       boolToInt(p.Unprotected),
		OpenedAt:          p.OpenedAt.UnixMilli(),
		ClosedAt:          timeToMillis(p.ClosedAt),
		CreatedAtUnix:     now.UnixMilli(),
		UpdatedAtUnix:     now.UnixMilli(),
	}
}

func PositionModelToRecord(m PositionModel) types.Position {
	p := types.Position{
		ID:                m.ID,
		SessionID:         m.SessionID,
		Symbol:            m.Symbol,
		Side:              types.OrderSide(m.Side),
		Quantity:          m.Quantity,
		EntryPrice:        m.EntryPrice,
		EntryOrderID:      m.EntryOrderID,
		TakeProfitOrderID: m.TakeProfitOrderID,
		StopLossOrderID:   m.StopLossOrderID,
		Status:            types.PositionStatus(m.Status),
		CloseReason:       types.CloseReason(m.CloseReason),
		ClosePrice:        m.ClosePrice,
		RealizedPnL:       m.RealizedPnL,
		Unprotected:       m.Unprotected != 0,
		OpenedAt:          millisToTime(m.OpenedAt),
	}
	if m.ClosedAt > 0 {
		ts := millisToTime(m.ClosedAt)
		p.ClosedAt = &ts
	}
	return p
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeToMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
