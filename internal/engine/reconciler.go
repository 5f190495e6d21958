package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"keel/internal/logger"
	"keel/internal/store/journal"
	"keel/internal/trader"
	"keel/internal/types"
	"keel/internal/venue"
)

const positionEpsilon = 1e-9

// notFoundSweepLimit is how many consecutive sweeps may report a pending
// order as unknown before the reconciler gives up on it. A submission that
// died in transit never produces a venue record; carrying it forever would
// pollute every checkpoint and raise the same drift warning each cycle.
const notFoundSweepLimit = 3

// CycleReport summarizes one reconciliation cycle for logs and the operator
// API.
type CycleReport struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	OrdersSwept     int           `json:"orders_swept"`
	OrdersChanged   int           `json:"orders_changed"`
	PositionsOpened int           `json:"positions_opened"`
	PositionsClosed int           `json:"positions_closed"`
	Unprotected     int           `json:"unprotected"`
	Drift           int           `json:"drift"`
	Violations      int           `json:"violations"`
	Errors          int           `json:"errors"`
}

type driftNote struct {
	symbol  string
	message string
	payload any
}

// Reconciler merges venue truth into the working set. It runs three ordered
// passes per cycle: pending-order sweep, position-closure detection, then
// the drift report. Per-symbol failures are isolated; one bad order never
// aborts the cycle for the rest.
type Reconciler struct {
	gateway venue.Gateway
	state   *trader.State
	jrnl    *journal.Journal

	sweepLimit  int
	callTimeout time.Duration
	retryDelay  time.Duration

	drift    []driftNote
	notFound map[string]int // local id -> consecutive unknown-order sweeps
}

func NewReconciler(gw venue.Gateway, state *trader.State, jrnl *journal.Journal) *Reconciler {
	return &Reconciler{
		gateway:     gw,
		state:       state,
		jrnl:        jrnl,
		sweepLimit:  8,
		callTimeout: 10 * time.Second,
		retryDelay:  time.Second,
		notFound:    make(map[string]int),
	}
}

// RunCycle executes the sweep and closure passes and flushes the drift
// report. The exit guard runs separately, after this returns.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{StartedAt: time.Now()}
	r.drift = r.drift[:0]

	r.sweepPendingOrders(ctx, &report)
	r.detectClosures(ctx, &report)
	r.reportDrift(ctx)
	r.refreshAccount(ctx)

	report.Duration = time.Since(report.StartedAt)
	return report
}

// ---------------------- pass 1: pending-order sweep --------------------

type sweepResult struct {
	local  string
	symbol string
	status venue.OrderStatus
	err    error
}

func (r *Reconciler) sweepPendingOrders(ctx context.Context, report *CycleReport) {
	pending := r.state.PendingOrders()
	report.OrdersSwept = len(pending)
	if len(pending) == 0 {
		return
	}

	// Venue lookups fan out with bounded parallelism; the merge below stays
	// on this goroutine so the control loop remains the single writer.
	results := make([]sweepResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.sweepLimit)
	for i, rec := range pending {
		i, rec := i, rec
		g.Go(func() error {
			status, err := r.fetchOrder(gctx, rec)
			results[i] = sweepResult{local: rec.LocalID, symbol: rec.Symbol, status: status, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, venue.ErrOrderNotFound) {
				r.notFound[res.local]++
				if r.notFound[res.local] < notFoundSweepLimit {
					r.noteDrift(res.symbol, "pending order unknown at venue",
						map[string]any{"local_id": res.local, "sweeps": r.notFound[res.local]})
					report.Drift++
					continue
				}
				delete(r.notFound, res.local)
				r.finalizeUnseenOrder(ctx, res, report)
				continue
			}
			logger.Warnf("reconcile: fetch order %s failed: %v", res.local, res.err)
			report.Errors++
			continue
		}
		delete(r.notFound, res.local)
		rec, changed, err := r.state.ApplyVenueUpdate(ctx, res.status)
		if err != nil {
			if trader.IsConsistencyViolation(err) {
				report.Violations++
				logger.Errorf("reconcile: %v", err)
				_ = r.jrnl.Append(ctx, journal.KindConsistency, res.status.Symbol, err.Error(),
					map[string]any{"local_id": res.local, "venue_state": string(res.status.State)})
				continue
			}
			logger.Warnf("reconcile: apply update for %s failed: %v", res.local, err)
			report.Errors++
			continue
		}
		if !changed {
			continue
		}
		report.OrdersChanged++
		r.onOrderChanged(ctx, rec, report)
	}
}

func (r *Reconciler) fetchOrder(ctx context.Context, rec *types.OrderRecord) (venue.OrderStatus, error) {
	var status venue.OrderStatus
	err := r.withRetry(ctx, func(cctx context.Context) error {
		var err error
		status, err = r.gateway.GetOrder(cctx, rec.Symbol, rec.VenueID, rec.LocalID)
		return err
	})
	return status, err
}

// finalizeUnseenOrder retires a pending order the venue has reported as
// unknown for notFoundSweepLimit sweeps in a row. The record is closed out
// as canceled so the pending set, checkpoints, and drift report stop
// carrying it; if it was a protective leg its position gets re-flagged for
// the guard like any other dead leg.
func (r *Reconciler) finalizeUnseenOrder(ctx context.Context, res sweepResult, report *CycleReport) {
	rec, changed, err := r.state.ApplyVenueUpdate(ctx, venue.OrderStatus{
		LocalID:   res.local,
		Symbol:    res.symbol,
		State:     types.OrderCanceled,
		Reason:    "never acknowledged at venue",
		UpdatedAt: time.Now(),
	})
	if err != nil {
		logger.Warnf("reconcile: finalize unseen order %s failed: %v", res.local, err)
		report.Errors++
		return
	}
	logger.Warnf("reconcile: order %s unknown at venue for %d sweeps, finalized as canceled",
		res.local, notFoundSweepLimit)
	r.noteDrift(res.symbol, "order never seen at venue, finalized as canceled",
		map[string]any{"local_id": res.local, "sweeps": notFoundSweepLimit})
	report.Drift++
	if !changed {
		return
	}
	report.OrdersChanged++
	r.onOrderChanged(ctx, rec, report)
}

func (r *Reconciler) onOrderChanged(ctx context.Context, rec *types.OrderRecord, report *CycleReport) {
	switch {
	case rec.Role == types.RoleEntry && rec.State == types.OrderFilled:
		r.openPositionFromEntry(ctx, rec, report)
	case rec.Protective() && rec.Terminal() && rec.State != types.OrderFilled:
		r.flagBrokenProtection(ctx, rec)
	}
}

func (r *Reconciler) openPositionFromEntry(ctx context.Context, rec *types.OrderRecord, report *CycleReport) {
	if rec.PositionID == "" {
		r.noteDrift(rec.Symbol, "entry fill without an assigned position",
			map[string]any{"local_id": rec.LocalID})
		report.Drift++
		return
	}
	if existing, ok := r.state.Position(rec.PositionID); ok && existing != nil {
		return
	}
	openedAt := time.Now()
	if rec.TerminalAt != nil {
		openedAt = *rec.TerminalAt
	}
	p := &types.Position{
		ID:           rec.PositionID,
		SessionID:    r.state.SessionID(),
		Symbol:       rec.Symbol,
		Side:         rec.Side,
		Quantity:     rec.FilledQuantity,
		EntryPrice:   rec.FilledAvgPrice,
		EntryOrderID: rec.LocalID,
		OpenedAt:     openedAt,
		Status:       types.PositionOpen,
		Unprotected:  true,
	}
	if err := r.state.PutPosition(ctx, p); err != nil {
		logger.Errorf("reconcile: persist new position %s failed: %v", p.ID, err)
		report.Errors++
		return
	}
	report.PositionsOpened++
	logger.Infof("reconcile: position opened %s %s qty=%v entry=%v", p.Symbol, p.Side, p.Quantity, p.EntryPrice)
	_ = r.jrnl.Append(ctx, journal.KindLifecycle, p.Symbol, "position opened",
		map[string]any{"position_id": p.ID, "entry_price": p.EntryPrice, "quantity": p.Quantity})
}

// flagBrokenProtection marks the owning position for the guard when a
// protective leg dies without filling.
func (r *Reconciler) flagBrokenProtection(ctx context.Context, rec *types.OrderRecord) {
	if rec.PositionID == "" {
		return
	}
	p, ok := r.state.Position(rec.PositionID)
	if !ok || !p.Open() {
		return
	}
	if positionProtected(r.state, p) {
		return
	}
	if err := r.state.SetUnprotected(ctx, p.ID, true); err != nil {
		logger.Warnf("reconcile: flag unprotected %s failed: %v", p.ID, err)
		return
	}
	logger.Warnf("reconcile: protective %s for %s reached %s, position %s is unprotected",
		rec.Role, rec.Symbol, rec.State, p.ID)
}

// ------------------- pass 2: position-closure detection ----------------

func (r *Reconciler) detectClosures(ctx context.Context, report *CycleReport) {
	var venuePositions []venue.PositionSnapshot
	err := r.withRetry(ctx, func(cctx context.Context) error {
		var err error
		venuePositions, err = r.gateway.ListOpenPositions(cctx)
		return err
	})
	if err != nil {
		// Without the authoritative list a local position cannot safely be
		// declared closed. Skip the pass; the next cycle retries.
		logger.Warnf("reconcile: list venue positions failed, skipping closure pass: %v", err)
		report.Errors++
		return
	}

	atVenue := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		if math.Abs(vp.Quantity) > positionEpsilon {
			atVenue[types.NormalizeSymbol(vp.Symbol)] = true
		}
	}

	for _, p := range r.state.OpenPositions() {
		if atVenue[p.Symbol] {
			continue
		}
		r.closePosition(ctx, p, report)
	}
}

func (r *Reconciler) closePosition(ctx context.Context, p *types.Position, report *CycleReport) {
	winner, loser, reason := r.closeCause(p)

	closePrice := 0.0
	closedAt := time.Now()
	if winner != nil {
		closePrice = winner.FilledAvgPrice
		if winner.TerminalAt != nil {
			closedAt = *winner.TerminalAt
		}
	} else {
		// No leg explains the closure: unknown reason, last quote as price.
		var quote venue.PriceQuote
		if err := r.withRetry(ctx, func(cctx context.Context) error {
			var err error
			quote, err = r.gateway.LatestPrice(cctx, p.Symbol)
			return err
		}); err == nil {
			closePrice = quote.Price
		}
		r.noteDrift(p.Symbol, "position closed at venue with no explaining leg",
			map[string]any{"position_id": p.ID, "close_price": closePrice})
		report.Drift++
	}

	if loser != nil && !loser.Terminal() && loser.VenueID != "" {
		// Defensive cancel of the surviving leg; a no-op if the venue
		// already finished it.
		if err := r.withRetry(ctx, func(cctx context.Context) error {
			return r.gateway.CancelOrder(cctx, loser.Symbol, loser.VenueID)
		}); err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			logger.Warnf("reconcile: cancel leftover leg %s failed: %v", loser.LocalID, err)
		}
	}

	closed, err := r.state.ClosePosition(ctx, p.ID, reason, closePrice, closedAt)
	if err != nil {
		logger.Errorf("reconcile: close position %s failed: %v", p.ID, err)
		report.Errors++
		return
	}
	report.PositionsClosed++
	logger.Infof("reconcile: position closed %s reason=%s price=%v pnl=%v",
		closed.Symbol, closed.CloseReason, closed.ClosePrice, closed.RealizedPnL)
	_ = r.jrnl.Append(ctx, journal.KindLifecycle, closed.Symbol, "position closed",
		map[string]any{
			"position_id": closed.ID, "reason": string(closed.CloseReason),
			"close_price": closed.ClosePrice, "realized_pnl": closed.RealizedPnL,
		})
}

// closeCause inspects the protective legs of a vanished position. When both
// legs filled in the same window the earlier venue terminal timestamp wins;
// on an exact tie the stop loss is taken as the cause, which is the
// conservative reading, and the tie is reported as drift.
func (r *Reconciler) closeCause(p *types.Position) (winner, loser *types.OrderRecord, reason types.CloseReason) {
	tp := r.legOrder(p.TakeProfitOrderID)
	sl := r.legOrder(p.StopLossOrderID)

	tpFilled := tp != nil && tp.State == types.OrderFilled
	slFilled := sl != nil && sl.State == types.OrderFilled

	switch {
	case tpFilled && slFilled:
		if legBefore(sl, tp) {
			return sl, tp, types.CloseStopLoss
		}
		if legBefore(tp, sl) {
			return tp, sl, types.CloseTakeProfit
		}
		r.noteDrift(p.Symbol, "both protective legs filled with equal timestamps, stop loss assumed",
			map[string]any{"position_id": p.ID})
		return sl, tp, types.CloseStopLoss
	case tpFilled:
		return tp, sl, types.CloseTakeProfit
	case slFilled:
		return sl, tp, types.CloseStopLoss
	default:
		return nil, firstLive(tp, sl), types.CloseUnknown
	}
}

func (r *Reconciler) legOrder(localID string) *types.OrderRecord {
	if localID == "" {
		return nil
	}
	rec, ok := r.state.Order(localID)
	if !ok {
		return nil
	}
	return rec
}

func legBefore(a, b *types.OrderRecord) bool {
	if a.TerminalAt == nil || b.TerminalAt == nil {
		return false
	}
	return a.TerminalAt.Before(*b.TerminalAt)
}

func firstLive(legs ...*types.OrderRecord) *types.OrderRecord {
	for _, leg := range legs {
		if leg != nil && !leg.Terminal() {
			return leg
		}
	}
	return nil
}

// ------------------------- pass 3: drift report ------------------------

func (r *Reconciler) noteDrift(symbol, message string, payload any) {
	r.drift = append(r.drift, driftNote{symbol: symbol, message: message, payload: payload})
}

func (r *Reconciler) reportDrift(ctx context.Context) {
	for _, note := range r.drift {
		logger.Warnf("reconcile drift: %s symbol=%s", note.message, note.symbol)
		_ = r.jrnl.Append(ctx, journal.KindDrift, note.symbol, note.message, note.payload)
	}
}

func (r *Reconciler) refreshAccount(ctx context.Context) {
	var acct types.AccountSnapshot
	err := r.withRetry(ctx, func(cctx context.Context) error {
		var err error
		acct, err = r.gateway.AccountSummary(cctx)
		return err
	})
	if err != nil {
		logger.Debugf("reconcile: account refresh failed: %v", err)
		return
	}
	r.state.SetAccount(acct)
}

// withRetry bounds a venue call with a timeout and retries transient
// failures exactly once. A hung call must never stall the control loop.
func (r *Reconciler) withRetry(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	err := fn(cctx)
	cancel()
	if err == nil || !venue.IsTransient(err) {
		return err
	}
	select {
	case <-time.After(r.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	cctx, cancel = context.WithTimeout(ctx, r.callTimeout)
	err = fn(cctx)
	cancel()
	return err
}
