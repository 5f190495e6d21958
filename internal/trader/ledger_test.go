package trader

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/store"
	"keel/internal/types"
	"keel/internal/venue"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s := NewState(st, "sess-test")
	require.NoError(t, st.InsertSession(context.Background(), types.Session{
		ID: "sess-test", Status: types.SessionActive, StartedAt: time.Now(),
	}))
	return s
}

func entryOrder(localID string) *types.OrderRecord {
	return &types.OrderRecord{
		LocalID:     localID,
		Symbol:      "BTCUSDT",
		Side:        types.SideBuy,
		Kind:        types.KindMarket,
		Role:        types.RoleEntry,
		TimeInForce: types.TIFGoodTilCanceled,
		Quantity:    10,
		State:       types.OrderSubmitted,
		SubmittedAt: time.Now(),
	}
}

func TestRecordSubmissionRejectsDuplicates(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSubmission(ctx, entryOrder("ord-1")))
	err := s.RecordSubmission(ctx, entryOrder("ord-1"))
	assert.True(t, IsDuplicateOrder(err))

	pending := s.PendingOrders()
	assert.Len(t, pending, 1)
}

func TestApplyVenueUpdateIsIdempotent(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSubmission(ctx, entryOrder("ord-1")))

	upd := venue.OrderStatus{
		LocalID:        "ord-1",
		VenueID:        "v-9",
		State:          types.OrderPartiallyFilled,
		FilledQuantity: 4,
		FilledAvgPrice: 101,
		UpdatedAt:      time.Now(),
	}
	first, changed, err := s.ApplyVenueUpdate(ctx, upd)
	require.NoError(t, err)
	assert.True(t, changed)

	second, changed, err := s.ApplyVenueUpdate(ctx, upd)
	require.NoError(t, err)
	assert.False(t, changed, "same update twice must be a no-op")
	assert.Equal(t, first, second)
}

func TestApplyVenueUpdateMonotonic(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSubmission(ctx, entryOrder("ord-1")))

	now := time.Now()
	_, _, err := s.ApplyVenueUpdate(ctx, venue.OrderStatus{
		LocalID: "ord-1", VenueID: "v-9", State: types.OrderFilled,
		FilledQuantity: 10, FilledAvgPrice: 100, UpdatedAt: now,
	})
	require.NoError(t, err)

	// Terminal back to non-terminal must be rejected and frozen.
	rec, changed, err := s.ApplyVenueUpdate(ctx, venue.OrderStatus{
		VenueID: "v-9", State: types.OrderAcknowledged, UpdatedAt: now,
	})
	assert.True(t, IsConsistencyViolation(err))
	assert.False(t, changed)
	assert.Equal(t, types.OrderFilled, rec.State)

	// Re-reporting the terminal state stays a silent no-op.
	_, changed, err = s.ApplyVenueUpdate(ctx, venue.OrderStatus{
		VenueID: "v-9", State: types.OrderFilled, FilledQuantity: 10, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyVenueUpdateOverfillRejected(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()
	require.NoError(t, s.RecordSubmission(ctx, entryOrder("ord-1")))

	_, _, err := s.ApplyVenueUpdate(ctx, venue.OrderStatus{
		LocalID: "ord-1", State: types.OrderPartiallyFilled, FilledQuantity: 12,
	})
	assert.True(t, IsConsistencyViolation(err))
}

func TestApplyVenueUpdateUnknownOrder(t *testing.T) {
	s := newTestState(t)
	_, _, err := s.ApplyVenueUpdate(context.Background(), venue.OrderStatus{VenueID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestSnapshotAndRehydrate(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSubmission(ctx, entryOrder("ord-1")))
	require.NoError(t, s.PutPosition(ctx, &types.Position{
		ID: "pos-1", SessionID: "sess-test", Symbol: "BTCUSDT", Side: types.SideBuy,
		Quantity: 10, EntryPrice: 100, Status: types.PositionOpen, OpenedAt: time.Now(),
	}))
	s.SetAccount(types.AccountSnapshot{Equity: 5000, Cash: 4000, BuyingPower: 8000, Currency: "USDT"})

	snap := s.Snapshot()
	assert.Len(t, snap.Positions, 1)
	assert.Len(t, snap.PendingOrders, 1)
	assert.Equal(t, 5000.0, snap.Account.Equity)

	fresh := newTestState(t)
	fresh.Rehydrate(snap)
	assert.Len(t, fresh.OpenPositions(), 1)
	assert.Len(t, fresh.PendingOrders(), 1)
	got, ok := fresh.Order("ord-1")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", got.Symbol)
}

func TestClosePositionComputesPnL(t *testing.T) {
	s := newTestState(t)
	ctx := context.Background()
	require.NoError(t, s.PutPosition(ctx, &types.Position{
		ID: "pos-1", SessionID: "sess-test", Symbol: "BTCUSDT", Side: types.SideBuy,
		Quantity: 10, EntryPrice: 100, Status: types.PositionOpen, OpenedAt: time.Now(),
	}))

	closed, err := s.ClosePosition(ctx, "pos-1", types.CloseTakeProfit, 110, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.Equal(t, 100.0, closed.RealizedPnL)

	// Closing again is a no-op.
	again, err := s.ClosePosition(ctx, "pos-1", types.CloseManual, 50, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.CloseTakeProfit, again.CloseReason)
}
