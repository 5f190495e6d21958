// Package trader owns the in-memory working set: every pending order, every
// open position, and the latest account summary. The engine control loop is
// the single writer; the checkpoint manager and HTTP layer only ever see
// locked snapshot copies.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keel/internal/store"
	"keel/internal/types"
)

// Snapshot is a consistent copy of the working set. It is also the
// checkpoint payload.
type Snapshot struct {
	SessionID     string                `json:"session_id"`
	CreatedAt     time.Time             `json:"created_at"`
	Positions     []types.Position      `json:"positions"`
	PendingOrders []types.OrderRecord   `json:"pending_orders"`
	Account       types.AccountSnapshot `json:"account"`
}

type State struct {
	mu        sync.Mutex
	store     *store.Store
	sessionID string

	orders    map[string]*types.OrderRecord // by local id
	byVenueID map[string]string             // venue id -> local id
	positions map[string]*types.Position    // by position id
	account   types.AccountSnapshot
}

func NewState(st *store.Store, sessionID string) *State {
	return &State{
		store:     st,
		sessionID: sessionID,
		orders:    make(map[string]*types.OrderRecord),
		byVenueID: make(map[string]string),
		positions: make(map[string]*types.Position),
	}
}

func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Rehydrate replaces the working set with a restored snapshot. Terminal
// orders in the payload are skipped; they have no business being pending.
func (s *State) Rehydrate(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]*types.OrderRecord, len(snap.PendingOrders))
	s.byVenueID = make(map[string]string, len(snap.PendingOrders))
	s.positions = make(map[string]*types.Position, len(snap.Positions))
	for i := range snap.PendingOrders {
		rec := snap.PendingOrders[i].Clone()
		if rec.Terminal() {
			continue
		}
		s.orders[rec.LocalID] = rec
		if rec.VenueID != "" {
			s.byVenueID[rec.VenueID] = rec.LocalID
		}
	}
	for i := range snap.Positions {
		p := snap.Positions[i].Clone()
		s.positions[p.ID] = p
	}
	s.account = snap.Account
}

// Snapshot copies the working set under the mutation lock. Serialization
// and I/O happen outside the lock.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID: s.sessionID,
		CreatedAt: time.Now(),
		Account:   s.account,
	}
	for _, rec := range s.orders {
		if rec.Terminal() {
			continue
		}
		snap.PendingOrders = append(snap.PendingOrders, *rec.Clone())
	}
	for _, p := range s.positions {
		if !p.Open() {
			continue
		}
		snap.Positions = append(snap.Positions, *p.Clone())
	}
	return snap
}

func (s *State) SetAccount(a types.AccountSnapshot) {
	s.mu.Lock()
	s.account = a
	s.mu.Unlock()
}

func (s *State) Account() types.AccountSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// ---------------------------- positions -------------------------------

func (s *State) Position(id string) (*types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *State) OpenPositions() []*types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Open() {
			out = append(out, p.Clone())
		}
	}
	return out
}

func (s *State) OpenPositionBySymbol(symbol string) (*types.Position, bool) {
	symbol = types.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Open() && p.Symbol == symbol {
			return p.Clone(), true
		}
	}
	return nil, false
}

// PutPosition inserts or replaces a position and writes it through to the
// store.
func (s *State) PutPosition(ctx context.Context, p *types.Position) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("trader: position id is required")
	}
	s.mu.Lock()
	s.positions[p.ID] = p.Clone()
	s.mu.Unlock()
	return s.store.UpsertPosition(ctx, *p)
}

// ClosePosition finalizes an open position. History is kept both in memory
// and in the store; nothing is deleted.
func (s *State) ClosePosition(ctx context.Context, id string, reason types.CloseReason, closePrice float64, closedAt time.Time) (*types.Position, error) {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("trader: position %s not found", id)
	}
	if !p.Open() {
		cp := p.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	p.Status = types.PositionClosed
	p.CloseReason = reason
	p.ClosePrice = closePrice
	ts := closedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	p.ClosedAt = &ts
	p.Unprotected = false
	if closePrice > 0 {
		if p.Side == types.SideSell {
			p.RealizedPnL = (p.EntryPrice - closePrice) * p.Quantity
		} else {
			p.RealizedPnL = (closePrice - p.EntryPrice) * p.Quantity
		}
	}
	cp := p.Clone()
	s.mu.Unlock()
	return cp, s.store.UpsertPosition(ctx, *cp)
}

func (s *State) SetUnprotected(ctx context.Context, id string, flag bool) error {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("trader: position %s not found", id)
	}
	p.Unprotected = flag
	cp := p.Clone()
	s.mu.Unlock()
	return s.store.UpsertPosition(ctx, *cp)
}

// AttachProtectiveLegs points an open position at its new protective order
// records and clears the unprotected flag.
func (s *State) AttachProtectiveLegs(ctx context.Context, id, takeProfitID, stopLossID string) error {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("trader: position %s not found", id)
	}
	if takeProfitID != "" {
		p.TakeProfitOrderID = takeProfitID
	}
	if stopLossID != "" {
		p.StopLossOrderID = stopLossID
	}
	p.Unprotected = false
	cp := p.Clone()
	s.mu.Unlock()
	return s.store.UpsertPosition(ctx, *cp)
}
