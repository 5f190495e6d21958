package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := types.OrderRecord{
		LocalID:     "ord-1",
		Symbol:      "btcusdt",
		Side:        types.SideBuy,
		Kind:        types.KindLimit,
		Role:        types.RoleEntry,
		TimeInForce: types.TIFGoodTilCanceled,
		Quantity:    10,
		LimitPrice:  100,
		State:       types.OrderSubmitted,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, s.InsertOrder(ctx, rec))

	// Same local id again must fail.
	assert.Error(t, s.InsertOrder(ctx, rec))

	got, ok, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, types.OrderSubmitted, got.State)

	pending, err := s.ListPendingOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	now := time.Now()
	got.State = types.OrderFilled
	got.VenueID = "v-77"
	got.FilledQuantity = 10
	got.FilledAvgPrice = 100.5
	got.TerminalAt = &now
	require.NoError(t, s.UpsertOrder(ctx, got))

	pending, err = s.ListPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got2, ok, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.OrderFilled, got2.State)
	assert.Equal(t, "v-77", got2.VenueID)
	require.NotNil(t, got2.TerminalAt)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := types.Position{
		ID:           "pos-1",
		SessionID:    "sess-1",
		Symbol:       "ETHUSDT",
		Side:         types.SideBuy,
		Quantity:     2,
		EntryPrice:   2000,
		EntryOrderID: "ord-1",
		Status:       types.PositionOpen,
		OpenedAt:     time.Now(),
	}
	require.NoError(t, s.UpsertPosition(ctx, pos))

	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	now := time.Now()
	pos.Status = types.PositionClosed
	pos.CloseReason = types.CloseTakeProfit
	pos.ClosePrice = 2200
	pos.RealizedPnL = 400
	pos.ClosedAt = &now
	require.NoError(t, s.UpsertPosition(ctx, pos))

	open, err = s.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := s.ListClosedPositions(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseTakeProfit, closed[0].CloseReason)
	assert.Equal(t, 400.0, closed[0].RealizedPnL)
}

func TestStaleSessionsMarkedCrashed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSession(ctx, types.Session{
		ID: "sess-old", Status: types.SessionActive, StartedAt: time.Now().Add(-time.Hour),
	}))

	n, err := s.MarkStaleSessionsCrashed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, ok, err := s.GetSession(ctx, "sess-old")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.SessionCrashed, got.Status)

	latest, ok, err := s.LatestUnfinishedSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-old", latest.ID)

	require.NoError(t, s.CompleteSession(ctx, "sess-old", time.Now()))
	_, ok, err = s.LatestUnfinishedSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointSequenceAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		seq, err := s.InsertCheckpoint(ctx, "sess-1", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		assert.Greater(t, seq, last, "sequence must be monotonic")
		last = seq
	}

	meta, payload, ok, err := s.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, last, meta.Seq)
	assert.NotEmpty(t, payload)

	deleted, err := s.PruneCheckpoints(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	count, err := s.CountCheckpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The newest checkpoint survives even an aggressive policy.
	deleted, err = s.PruneCheckpoints(ctx, 1, time.Nanosecond)
	require.NoError(t, err)
	_ = deleted
	_, _, ok, err = s.LatestCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
