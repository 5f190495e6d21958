// Package engine drives the reconciliation control loop: one sequential
// cycle at a time, venue truth merged into the working set, the exit guard
// after every cycle, checkpoints on an independent timer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"keel/internal/logger"
	"keel/internal/riskprofile"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/trader"
	"keel/internal/types"
	"keel/internal/venue"
)

type Options struct {
	ReconcileInterval  time.Duration
	CheckpointInterval time.Duration
	CheckpointRetain   int
	CheckpointMaxAge   time.Duration
}

func (o *Options) withDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = time.Minute
	}
	if o.CheckpointRetain <= 0 {
		o.CheckpointRetain = 20
	}
}

type forceRequest struct {
	reply chan CycleReport
}

type Engine struct {
	gateway     venue.Gateway
	state       *trader.State
	store       *store.Store
	jrnl        *journal.Journal
	profiles    *riskprofile.Registry
	reconciler  *Reconciler
	guard       *Guard
	checkpoints *CheckpointManager

	opts    Options
	events  <-chan venue.OrderEvent
	forceCh chan forceRequest

	mu         sync.Mutex
	lastReport CycleReport
}

func New(gw venue.Gateway, state *trader.State, st *store.Store, jrnl *journal.Journal, profiles *riskprofile.Registry, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		gateway:     gw,
		state:       state,
		store:       st,
		jrnl:        jrnl,
		profiles:    profiles,
		reconciler:  NewReconciler(gw, state, jrnl),
		guard:       NewGuard(gw, state, profiles, jrnl),
		checkpoints: NewCheckpointManager(st, state, jrnl, opts.CheckpointRetain, opts.CheckpointMaxAge),
		opts:        opts,
		forceCh:     make(chan forceRequest),
	}
}

// SetEventSource wires the push-stream event channel. Must be called before
// Run. The engine works without one; polling is the source of truth and
// the stream only lowers latency.
func (e *Engine) SetEventSource(ch <-chan venue.OrderEvent) {
	e.events = ch
}

// Run executes the startup recovery protocol and then the control loop
// until ctx is canceled. Shutdown finishes the in-flight cycle, writes a
// final checkpoint, and marks the session completed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.checkpoints.Run(gctx, e.opts.CheckpointInterval)
	})
	g.Go(func() error {
		return e.loop(gctx)
	})
	runErr := g.Wait()

	e.shutdown()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// startup is the recovery protocol: mark stale sessions crashed, restore
// the latest checkpoint, register this session, then run one unconditional
// cycle because the checkpoint may be stale by up to one interval.
func (e *Engine) startup(ctx context.Context) error {
	crashed, err := e.store.MarkStaleSessionsCrashed(ctx)
	if err != nil {
		return fmt.Errorf("engine: mark stale sessions: %w", err)
	}
	if crashed > 0 {
		logger.Warnf("previous session did not shut down cleanly, marked %d session(s) crashed", crashed)
	}

	snap, meta, err := e.checkpoints.RestoreLatest(ctx)
	switch {
	case IsNoCheckpoint(err):
		logger.Infof("no checkpoint to restore, starting clean")
	case err != nil:
		logger.Warnf("checkpoint restore failed, starting clean: %v", err)
	default:
		e.state.Rehydrate(snap)
		logger.Infof("restored checkpoint seq=%d session=%s: %d positions, %d pending orders",
			meta.Seq, meta.SessionID, len(snap.Positions), len(snap.PendingOrders))
	}

	if err := e.store.InsertSession(ctx, types.Session{
		ID:        e.state.SessionID(),
		Status:    types.SessionActive,
		StartedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("engine: register session: %w", err)
	}
	_ = e.jrnl.Append(ctx, journal.KindLifecycle, "", "session started",
		map[string]any{"session_id": e.state.SessionID(), "restored_seq": meta.Seq})

	e.runCycle(ctx)
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-e.events:
			if !ok {
				e.events = nil
				continue
			}
			e.applyStreamEvent(ctx, evt)
		case req := <-e.forceCh:
			req.reply <- e.runCycle(ctx)
		case <-ticker.C:
			e.drainEvents(ctx)
			e.runCycle(ctx)
		}
	}
}

// runCycle executes one full reconcile plus guard pass. Cycles are strictly
// sequential; everything here happens on the loop goroutine.
func (e *Engine) runCycle(ctx context.Context) CycleReport {
	report := e.reconciler.RunCycle(ctx)
	e.guard.Run(ctx, &report)
	report.Duration = time.Since(report.StartedAt)

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	e.updateSessionMetrics(ctx)

	if report.Unprotected > 0 || report.Drift > 0 || report.Violations > 0 {
		logger.Warnf("cycle done in %s: swept=%d changed=%d opened=%d closed=%d unprotected=%d drift=%d violations=%d",
			report.Duration.Round(time.Millisecond), report.OrdersSwept, report.OrdersChanged,
			report.PositionsOpened, report.PositionsClosed, report.Unprotected, report.Drift, report.Violations)
	} else {
		logger.Debugf("cycle done in %s: swept=%d changed=%d opened=%d closed=%d",
			report.Duration.Round(time.Millisecond), report.OrdersSwept, report.OrdersChanged,
			report.PositionsOpened, report.PositionsClosed)
	}
	return report
}

// applyStreamEvent merges one push event immediately, between cycles. The
// next poll sweep re-verifies everything, so a lost or reordered event is
// only a latency cost.
func (e *Engine) applyStreamEvent(ctx context.Context, evt venue.OrderEvent) {
	rec, changed, err := e.state.ApplyVenueUpdate(ctx, venue.OrderStatus{
		VenueID:        evt.VenueID,
		LocalID:        evt.LocalID,
		Symbol:         evt.Symbol,
		State:          evt.State,
		FilledQuantity: evt.FilledQuantity,
		FilledAvgPrice: evt.FilledPrice,
		UpdatedAt:      evt.Timestamp,
	})
	if err != nil {
		if errors.Is(err, trader.ErrUnknownOrder) {
			logger.Debugf("stream event for unknown order %s/%s ignored", evt.VenueID, evt.LocalID)
			return
		}
		if trader.IsConsistencyViolation(err) {
			logger.Errorf("stream event: %v", err)
			_ = e.jrnl.Append(ctx, journal.KindConsistency, evt.Symbol, err.Error(),
				map[string]any{"venue_id": evt.VenueID, "event": string(evt.Type)})
			return
		}
		logger.Warnf("stream event apply failed: %v", err)
		return
	}
	if !changed {
		return
	}
	_ = e.jrnl.Append(ctx, journal.KindOrderEvent, evt.Symbol, string(evt.Type),
		map[string]any{"venue_id": evt.VenueID, "state": string(rec.State), "filled": rec.FilledQuantity})
	var discard CycleReport
	e.reconciler.onOrderChanged(ctx, rec, &discard)
}

func (e *Engine) drainEvents(ctx context.Context) {
	if e.events == nil {
		return
	}
	for {
		select {
		case evt, ok := <-e.events:
			if !ok {
				e.events = nil
				return
			}
			e.applyStreamEvent(ctx, evt)
		default:
			return
		}
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if seq, err := e.checkpoints.Create(ctx); err != nil {
		logger.Errorf("final checkpoint failed: %v", err)
	} else {
		logger.Infof("final checkpoint %d written", seq)
	}
	if err := e.store.CompleteSession(ctx, e.state.SessionID(), time.Now()); err != nil {
		logger.Errorf("complete session failed: %v", err)
	}
	_ = e.jrnl.Append(ctx, journal.KindLifecycle, "", "session completed",
		map[string]any{"session_id": e.state.SessionID()})
	logger.Infof("engine stopped, session %s completed", e.state.SessionID())
}

func (e *Engine) updateSessionMetrics(ctx context.Context) {
	closed, err := e.store.ListClosedPositions(ctx, e.state.SessionID(), 0)
	if err != nil {
		logger.Debugf("session metrics query failed: %v", err)
		return
	}
	pnl := 0.0
	for _, p := range closed {
		pnl += p.RealizedPnL
	}
	if err := e.store.UpdateSessionMetrics(ctx, e.state.SessionID(), len(closed), pnl); err != nil {
		logger.Debugf("session metrics update failed: %v", err)
	}
}

// ------------------------ collaborator surface -------------------------

// OnStrategySignal submits an entry order for a detector signal. The
// position id is assigned up front so the fill can be tied back even after
// a restart.
func (e *Engine) OnStrategySignal(ctx context.Context, spec types.EntrySpec) (string, error) {
	symbol := types.NormalizeSymbol(spec.Symbol)
	if symbol == "" || spec.Quantity < 0 {
		return "", fmt.Errorf("engine: invalid entry spec for %q", spec.Symbol)
	}
	if _, exists := e.state.OpenPositionBySymbol(symbol); exists {
		return "", fmt.Errorf("engine: position already open for %s", symbol)
	}

	tpl := e.profiles.ProfileFor(symbol)
	qty := spec.Quantity
	if qty <= 0 {
		qty = tpl.Quantity
	}
	qty = tpl.SnapQuantity(qty)
	if qty <= 0 {
		return "", fmt.Errorf("engine: no quantity configured for %s", symbol)
	}

	kind := types.KindMarket
	if spec.Limit > 0 {
		kind = types.KindLimit
	}
	rec := types.OrderRecord{
		LocalID:     uuid.NewString(),
		PositionID:  uuid.NewString(),
		Symbol:      symbol,
		Side:        spec.Side,
		Kind:        kind,
		Role:        types.RoleEntry,
		TimeInForce: types.TIFGoodTilCanceled,
		Quantity:    qty,
		LimitPrice:  spec.Limit,
	}
	if err := e.state.RecordSubmission(ctx, &rec); err != nil {
		return "", err
	}
	logger.Infof("entry submitted %s %s qty=%v detector=%s", symbol, spec.Side, qty, spec.Detector)

	ack, err := e.gateway.SubmitOrder(ctx, venue.OrderSpec{
		LocalID:     rec.LocalID,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		Kind:        rec.Kind,
		TimeInForce: rec.TimeInForce,
		Quantity:    rec.Quantity,
		LimitPrice:  rec.LimitPrice,
	})
	if err != nil {
		if venue.IsRejection(err) {
			_ = e.jrnl.Append(ctx, journal.KindRejection, symbol, err.Error(),
				map[string]any{"local_id": rec.LocalID, "detector": spec.Detector})
			if _, _, applyErr := e.state.ApplyVenueUpdate(ctx, venue.OrderStatus{
				LocalID: rec.LocalID, State: types.OrderRejected,
				Reason: err.Error(), UpdatedAt: time.Now(),
			}); applyErr != nil {
				logger.Warnf("finalize rejected entry %s failed: %v", rec.LocalID, applyErr)
			}
			return rec.LocalID, err
		}
		// Transient failure: the order may or may not exist at the venue.
		// Leave it pending; the next sweep resolves it by client order id,
		// or finalizes it after repeated unknown-order reports.
		logger.Warnf("entry submission for %s uncertain: %v", symbol, err)
		return rec.LocalID, err
	}
	if err := e.state.BindVenueID(ctx, rec.LocalID, ack.VenueID); err != nil {
		logger.Warnf("bind venue id for entry %s failed: %v", rec.LocalID, err)
	}
	return rec.LocalID, nil
}

// CurrentOpenPositions is the read-only view for dashboards.
func (e *Engine) CurrentOpenPositions() []*types.Position {
	return e.state.OpenPositions()
}

// ForceReconcileCycle runs one full cycle out of schedule and returns its
// report. The cycle still executes on the control loop, never concurrently
// with a scheduled one.
func (e *Engine) ForceReconcileCycle(ctx context.Context) (CycleReport, error) {
	req := forceRequest{reply: make(chan CycleReport, 1)}
	select {
	case e.forceCh <- req:
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
	select {
	case report := <-req.reply:
		return report, nil
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
}

// LastReport returns the most recent cycle report.
func (e *Engine) LastReport() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Account returns the latest account summary seen by the reconciler.
func (e *Engine) Account() types.AccountSnapshot {
	return e.state.Account()
}
