package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/riskprofile"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/trader"
	"keel/internal/types"
	"keel/internal/venue"
	"keel/internal/venue/paper"
)

func paperPosition(symbol string, qty float64) venue.PositionSnapshot {
	return venue.PositionSnapshot{
		Symbol:   symbol,
		Side:     types.SideBuy,
		Quantity: qty,
	}
}

const testProfileYAML = `
default:
  risk_pct: 0.05
  reward_multiple: 2
profiles:
  btcusdt:
    risk_pct: 0.05
    reward_multiple: 2
    quantity: 10
`

type harness struct {
	gw    *paper.Gateway
	st    *store.Store
	jrnl  *journal.Journal
	state *trader.State
	eng   *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	jrnl, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jrnl.Close() })

	profilePath := filepath.Join(dir, "risk_profiles.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(testProfileYAML), 0o644))
	profiles, err := riskprofile.NewRegistry(profilePath)
	require.NoError(t, err)

	gw := paper.New()
	gw.SetPrice("BTCUSDT", 100)

	state := trader.NewState(st, uuid.NewString())
	eng := New(gw, state, st, jrnl, profiles, opts)
	return &harness{gw: gw, st: st, jrnl: jrnl, state: state, eng: eng}
}

// openProtectedPosition drives the normal entry path: signal, market fill,
// one cycle so the guard attaches both protective legs.
func (h *harness) openProtectedPosition(t *testing.T, ctx context.Context) *types.Position {
	t.Helper()
	_, err := h.eng.OnStrategySignal(ctx, types.EntrySpec{
		Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: 10, Detector: "test",
	})
	require.NoError(t, err)

	h.eng.runCycle(ctx)

	p, ok := h.state.OpenPositionBySymbol("BTCUSDT")
	require.True(t, ok, "entry fill must open a position")
	require.NotEmpty(t, p.StopLossOrderID)
	require.NotEmpty(t, p.TakeProfitOrderID)
	require.True(t, positionProtected(h.state, p))
	return p
}

func TestEntryFillOpensAndProtectsPosition(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	p := h.openProtectedPosition(t, ctx)
	assert.Equal(t, 10.0, p.Quantity)
	assert.Equal(t, 100.0, p.EntryPrice)
	assert.False(t, p.Unprotected)

	sl, ok := h.state.Order(p.StopLossOrderID)
	require.True(t, ok)
	assert.Equal(t, types.KindStop, sl.Kind)
	assert.Equal(t, types.TIFGoodTilCanceled, sl.TimeInForce)
	assert.Equal(t, 95.0, sl.StopPrice)

	tp, ok := h.state.Order(p.TakeProfitOrderID)
	require.True(t, ok)
	assert.Equal(t, types.KindLimit, tp.Kind)
	assert.Equal(t, 110.0, tp.LimitPrice)
}

func TestGuardIsIdempotentOnProtectedPosition(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.openProtectedPosition(t, ctx)

	before := len(h.state.PendingOrders())
	report := h.eng.runCycle(ctx)
	assert.Equal(t, before, len(h.state.PendingOrders()), "second cycle must not submit more legs")
	assert.Zero(t, report.Unprotected)
}

// A stop loss canceled externally must be replaced within one cycle even
// while the take profit is still live.
func TestStopLossReplacedWithinOneCycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	oldStopID := p.StopLossOrderID
	venueID, ok := h.gw.VenueIDFor(oldStopID)
	require.True(t, ok)
	h.gw.CancelOrderExternally(venueID)

	report := h.eng.runCycle(ctx)

	p2, ok := h.state.OpenPositionBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.NotEqual(t, oldStopID, p2.StopLossOrderID, "a fresh stop loss must be attached")
	assert.True(t, legLive(h.state, p2.StopLossOrderID))
	assert.True(t, positionProtected(h.state, p2))
	assert.Zero(t, report.Unprotected, "position must end the cycle protected")

	old, ok := h.state.Order(oldStopID)
	require.True(t, ok)
	assert.Equal(t, types.OrderCanceled, old.State)
}

// An entry submission that dies in transit leaves a record the venue never
// saw. After repeated unknown-order sweeps the reconciler must finalize it
// instead of carrying it in the pending set forever.
func TestUnseenSubmissionFinalizedAfterRepeatedNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.gw.FailNextSubmit(errors.New("connection reset by peer"))
	localID, err := h.eng.OnStrategySignal(ctx, types.EntrySpec{
		Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: 10, Detector: "test",
	})
	require.Error(t, err)
	require.NotEmpty(t, localID)
	require.Len(t, h.state.PendingOrders(), 1)

	for i := 0; i < notFoundSweepLimit-1; i++ {
		report := h.eng.runCycle(ctx)
		assert.Equal(t, 1, report.Drift, "each sweep before the limit reports drift")
		require.Len(t, h.state.PendingOrders(), 1)
	}

	h.eng.runCycle(ctx)
	assert.Empty(t, h.state.PendingOrders(), "the unseen order must leave the sweep set")

	rec, ok := h.state.Order(localID)
	require.True(t, ok)
	assert.Equal(t, types.OrderCanceled, rec.State)
	assert.NotEmpty(t, rec.Reason)
	require.NotNil(t, rec.TerminalAt)
	assert.Empty(t, h.state.OpenPositions())
}

// Replacement legs rejected by the venue: the position stays flagged, the
// warning re-raises every cycle, and a later clean submission repairs it.
func TestGuardReRaisesWarningWhileRepairsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	entriesBefore, err := h.jrnl.List(ctx, journal.Query{Kind: journal.KindUnprotected})
	require.NoError(t, err)

	for _, localID := range []string{p.StopLossOrderID, p.TakeProfitOrderID} {
		venueID, ok := h.gw.VenueIDFor(localID)
		require.True(t, ok)
		h.gw.CancelOrderExternally(venueID)
	}

	for cycle := 0; cycle < 2; cycle++ {
		h.gw.RejectNextSubmit("PRICE_FILTER", "stop price out of range")
		h.gw.RejectNextSubmit("PRICE_FILTER", "limit price out of range")
		report := h.eng.runCycle(ctx)
		assert.Equal(t, 1, report.Unprotected, "cycle %d must report the naked position", cycle)
	}

	entriesAfter, err := h.jrnl.List(ctx, journal.Query{Kind: journal.KindUnprotected})
	require.NoError(t, err)
	assert.Equal(t, len(entriesBefore)+2, len(entriesAfter), "one warning per unprotected cycle")

	// The venue accepts again: the repair sticks and the flag clears.
	report := h.eng.runCycle(ctx)
	assert.Zero(t, report.Unprotected)
	p2, ok := h.state.OpenPositionBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.True(t, positionProtected(h.state, p2))

	h.eng.runCycle(ctx)
	p3, ok := h.state.OpenPositionBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.False(t, p3.Unprotected)
}

// A day-style expiry of a protective leg is repaired the same way as an
// external cancel, with a fresh good-til-canceled replacement.
func TestExpiredProtectiveLegReplaced(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	oldTargetID := p.TakeProfitOrderID
	venueID, ok := h.gw.VenueIDFor(oldTargetID)
	require.True(t, ok)
	h.gw.ExpireOrder(venueID)

	report := h.eng.runCycle(ctx)
	assert.Zero(t, report.Unprotected)

	p2, ok := h.state.OpenPositionBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.NotEqual(t, oldTargetID, p2.TakeProfitOrderID)
	assert.True(t, legLive(h.state, p2.TakeProfitOrderID))

	fresh, ok := h.state.Order(p2.TakeProfitOrderID)
	require.True(t, ok)
	assert.Equal(t, types.TIFGoodTilCanceled, fresh.TimeInForce)

	old, ok := h.state.Order(oldTargetID)
	require.True(t, ok)
	assert.Equal(t, types.OrderExpired, old.State)
}

// The venue drops the position without either protective leg filling, as a
// manual close from the exchange UI would. The closure pass must still close
// it locally, with an unknown reason.
func TestManualVenueCloseDetected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	h.gw.RemovePosition("BTCUSDT")
	report := h.eng.runCycle(ctx)
	assert.Equal(t, 1, report.PositionsClosed)
	assert.GreaterOrEqual(t, report.Drift, 1, "an unexplained closure is drift")

	closed, ok, err := h.st.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.Equal(t, types.CloseUnknown, closed.CloseReason)
	assert.Equal(t, 100.0, closed.ClosePrice)
}

func TestCheckpointWriteFailureIsTyped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.st.Close())

	_, err := h.eng.checkpoints.Create(context.Background())
	require.Error(t, err)
	assert.True(t, IsCheckpointWriteFailure(err))
}

// Both protective legs fill in the same window; the earlier venue terminal
// timestamp decides the close reason.
func TestTieBreakEarlierTerminalTimestampWins(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	tpVenueID, ok := h.gw.VenueIDFor(p.TakeProfitOrderID)
	require.True(t, ok)
	slVenueID, ok := h.gw.VenueIDFor(p.StopLossOrderID)
	require.True(t, ok)

	h.gw.FillOrder(tpVenueID, 10, 110)
	time.Sleep(10 * time.Millisecond)
	h.gw.FillOrder(slVenueID, 10, 95)
	h.gw.SetPositions() // both legs filling is the anomaly; force the book flat

	h.eng.runCycle(ctx)

	closed, ok, err := h.st.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.Equal(t, types.CloseTakeProfit, closed.CloseReason)
	assert.Equal(t, 110.0, closed.ClosePrice)
	assert.Equal(t, 100.0, closed.RealizedPnL)
}

// The stream is down the whole time; polling alone must reconstruct the
// final state.
func TestPollAloneRecoversStopOut(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.openProtectedPosition(t, ctx)

	slVenueID, ok := h.gw.VenueIDFor(p.StopLossOrderID)
	require.True(t, ok)
	h.gw.FillOrder(slVenueID, 10, 95)

	h.eng.runCycle(ctx)

	closed, ok, err := h.st.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.Equal(t, types.CloseStopLoss, closed.CloseReason)
	assert.Equal(t, -50.0, closed.RealizedPnL)

	// The surviving take profit was canceled defensively; the next sweep
	// sees it terminal and the pending set drains.
	h.eng.runCycle(ctx)
	assert.Empty(t, h.state.PendingOrders())
	assert.Empty(t, h.state.OpenPositions())
}

// Restart with a checkpoint showing three open positions while the venue
// reports two: the post-restore cycle must close the third with a reason.
func TestRestoreThenReconcileClosesVanishedPosition(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	firstSession := h.state.SessionID()
	require.NoError(t, h.st.InsertSession(ctx, types.Session{
		ID: firstSession, Status: types.SessionActive, StartedAt: time.Now(),
	}))
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		require.NoError(t, h.state.PutPosition(ctx, &types.Position{
			ID: "pos-" + sym, SessionID: firstSession, Symbol: sym, Side: types.SideBuy,
			Quantity: 1, EntryPrice: 100, Status: types.PositionOpen, OpenedAt: time.Now(),
		}))
	}
	_, err := h.eng.checkpoints.Create(ctx)
	require.NoError(t, err)
	// Crash: no CompleteSession call.

	h.gw.SetPositions(
		paperPosition("BTCUSDT", 1),
		paperPosition("ETHUSDT", 1),
	)
	h.gw.SetPrice("SOLUSDT", 80)
	h.gw.SetPrice("ETHUSDT", 100)

	state2 := trader.NewState(h.st, uuid.NewString())
	eng2 := New(h.gw, state2, h.st, h.jrnl, h.eng.profiles, Options{})
	require.NoError(t, eng2.startup(ctx))

	assert.Len(t, state2.OpenPositions(), 2)
	closed, ok, err := h.st.GetPosition(ctx, "pos-SOLUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.Equal(t, types.CloseUnknown, closed.CloseReason)
	assert.Equal(t, 80.0, closed.ClosePrice)

	prior, ok, err := h.st.GetSession(ctx, firstSession)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.SessionCrashed, prior.Status)
}

func TestFirstRunHasNoCheckpoint(t *testing.T) {
	h := newHarness(t, Options{})
	_, _, err := h.eng.checkpoints.RestoreLatest(context.Background())
	assert.True(t, IsNoCheckpoint(err))
}

func TestRunShutdownCompletesSessionAndCheckpoints(t *testing.T) {
	h := newHarness(t, Options{
		ReconcileInterval:  20 * time.Millisecond,
		CheckpointInterval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	report, err := h.eng.ForceReconcileCycle(fctx)
	fcancel()
	require.NoError(t, err)
	assert.False(t, report.StartedAt.IsZero())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	sess, ok, err := h.st.GetSession(context.Background(), h.state.SessionID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, sess.Status)

	count, err := h.st.CountCheckpoints(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1, "shutdown must force a final checkpoint")
}

func TestOnStrategySignalRejectsSecondEntrySameSymbol(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.openProtectedPosition(t, ctx)

	_, err := h.eng.OnStrategySignal(ctx, types.EntrySpec{
		Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: 5,
	})
	assert.Error(t, err)
}
