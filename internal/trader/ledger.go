package trader

import (
	"context"
	"time"

	"keel/internal/types"
	"keel/internal/venue"
)

const fillEpsilon = 1e-9

// RecordSubmission persists a new order record in the submitted state and
// adds it to the working set.
func (s *State) RecordSubmission(ctx context.Context, rec *types.OrderRecord) error {
	if rec == nil || rec.LocalID == "" {
		return &DuplicateOrderError{LocalID: ""}
	}
	s.mu.Lock()
	if _, exists := s.orders[rec.LocalID]; exists {
		s.mu.Unlock()
		return &DuplicateOrderError{LocalID: rec.LocalID}
	}
	if rec.State == "" {
		rec.State = types.OrderSubmitted
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now()
	}
	rec.Symbol = types.NormalizeSymbol(rec.Symbol)
	cp := rec.Clone()
	s.orders[cp.LocalID] = cp
	if cp.VenueID != "" {
		s.byVenueID[cp.VenueID] = cp.LocalID
	}
	s.mu.Unlock()
	return s.store.InsertOrder(ctx, *cp)
}

// BindVenueID records the venue-assigned id after an acknowledgement.
func (s *State) BindVenueID(ctx context.Context, localID, venueID string) error {
	s.mu.Lock()
	rec, ok := s.orders[localID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownOrder
	}
	if venueID != "" && rec.VenueID == "" {
		rec.VenueID = venueID
		s.byVenueID[venueID] = localID
		if rec.State == types.OrderSubmitted {
			rec.State = types.OrderAcknowledged
		}
	}
	cp := rec.Clone()
	s.mu.Unlock()
	return s.store.UpsertOrder(ctx, *cp)
}

// ApplyVenueUpdate merges venue-reported truth into the matching order
// record. The merge is idempotent and strictly monotonic: an update that
// would move a terminal order to a non-terminal state is rejected with a
// ConsistencyViolation and the record stays frozen. Returns the updated
// record and whether anything changed.
func (s *State) ApplyVenueUpdate(ctx context.Context, upd venue.OrderStatus) (*types.OrderRecord, bool, error) {
	s.mu.Lock()
	rec := s.lookupLocked(upd.VenueID, upd.LocalID)
	if rec == nil {
		s.mu.Unlock()
		return nil, false, ErrUnknownOrder
	}

	if !upd.State.Valid() {
		cp := rec.Clone()
		s.mu.Unlock()
		return cp, false, &ConsistencyViolation{
			LocalID: rec.LocalID, From: rec.State, To: upd.State,
			Detail: "unknown venue state",
		}
	}
	if !rec.State.CanTransition(upd.State) {
		cp := rec.Clone()
		s.mu.Unlock()
		return cp, false, &ConsistencyViolation{LocalID: rec.LocalID, From: rec.State, To: upd.State}
	}
	if upd.FilledQuantity > rec.Quantity+fillEpsilon {
		cp := rec.Clone()
		s.mu.Unlock()
		return cp, false, &ConsistencyViolation{
			LocalID: rec.LocalID, From: rec.State, To: upd.State,
			Detail: "filled quantity exceeds requested",
		}
	}

	changed := false
	if upd.VenueID != "" && rec.VenueID == "" {
		rec.VenueID = upd.VenueID
		s.byVenueID[upd.VenueID] = rec.LocalID
		changed = true
	}
	if upd.State != rec.State {
		rec.State = upd.State
		changed = true
	}
	// Fills only ever grow; a stale or repeated report is a no-op.
	if upd.FilledQuantity > rec.FilledQuantity+fillEpsilon {
		rec.FilledQuantity = upd.FilledQuantity
		if upd.FilledAvgPrice > 0 {
			rec.FilledAvgPrice = upd.FilledAvgPrice
		}
		changed = true
	}
	if upd.Reason != "" && rec.Reason == "" {
		rec.Reason = upd.Reason
		changed = true
	}
	if rec.State.Terminal() && rec.TerminalAt == nil {
		ts := upd.UpdatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		rec.TerminalAt = &ts
		changed = true
	}
	cp := rec.Clone()
	s.mu.Unlock()

	if !changed {
		return cp, false, nil
	}
	return cp, true, s.store.UpsertOrder(ctx, *cp)
}

func (s *State) lookupLocked(venueID, localID string) *types.OrderRecord {
	if venueID != "" {
		if lid, ok := s.byVenueID[venueID]; ok {
			return s.orders[lid]
		}
	}
	if localID != "" {
		if rec, ok := s.orders[localID]; ok {
			return rec
		}
	}
	return nil
}

func (s *State) Order(localID string) (*types.OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[localID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// PendingOrders is the working set the reconciler sweeps every cycle: all
// order records not in a terminal state.
func (s *State) PendingOrders() []*types.OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.OrderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		if !rec.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	return out
}
