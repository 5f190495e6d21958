package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"keel/internal/logger"
	"keel/internal/riskprofile"
	"keel/internal/store/journal"
	"keel/internal/trader"
	"keel/internal/types"
	"keel/internal/venue"
)

// Guard enforces the one invariant that matters: every open position has at
// least one protective order in a non-terminal state. It runs after each
// reconcile cycle and synthesizes replacement stop/target pairs whenever a
// position is naked. Running it twice on a protected position is a no-op.
type Guard struct {
	gateway  venue.Gateway
	state    *trader.State
	profiles *riskprofile.Registry
	jrnl     *journal.Journal

	callTimeout time.Duration
}

func NewGuard(gw venue.Gateway, state *trader.State, profiles *riskprofile.Registry, jrnl *journal.Journal) *Guard {
	return &Guard{
		gateway:     gw,
		state:       state,
		profiles:    profiles,
		jrnl:        jrnl,
		callTimeout: 10 * time.Second,
	}
}

// legLive reports whether the referenced order exists and is non-terminal.
func legLive(state *trader.State, localID string) bool {
	if localID == "" {
		return false
	}
	rec, ok := state.Order(localID)
	return ok && !rec.Terminal()
}

// positionProtected reports whether any protective leg of p is still live.
func positionProtected(state *trader.State, p *types.Position) bool {
	return legLive(state, p.TakeProfitOrderID) || legLive(state, p.StopLossOrderID)
}

// Run inspects every open position and repairs missing protection. A
// position counts as unprotected in the report only when it ends the pass
// with zero live legs; that warning is re-raised every cycle until the
// repair sticks.
func (g *Guard) Run(ctx context.Context, report *CycleReport) {
	for _, p := range g.state.OpenPositions() {
		tpLive := legLive(g.state, p.TakeProfitOrderID)
		slLive := legLive(g.state, p.StopLossOrderID)
		if tpLive && slLive {
			if p.Unprotected {
				if err := g.state.SetUnprotected(ctx, p.ID, false); err != nil {
					logger.Warnf("guard: clear unprotected flag %s failed: %v", p.ID, err)
				}
			}
			continue
		}
		if !g.repair(ctx, p, tpLive, slLive) {
			report.Unprotected++
		}
	}
}

// repair replaces whichever protective legs are dead. Returns true only
// when the position ends the pass with at least one live leg.
func (g *Guard) repair(ctx context.Context, p *types.Position, tpLive, slLive bool) bool {
	naked := !tpLive && !slLive
	if naked {
		if !p.Unprotected {
			if err := g.state.SetUnprotected(ctx, p.ID, true); err != nil {
				logger.Warnf("guard: flag unprotected %s failed: %v", p.ID, err)
			}
		}
		logger.Warnf("guard: position %s %s has no live protective order", p.Symbol, p.ID)
		_ = g.jrnl.Append(ctx, journal.KindUnprotected, p.Symbol, "open position without live protective order",
			map[string]any{"position_id": p.ID, "quantity": p.Quantity})
	} else {
		logger.Warnf("guard: position %s %s lost one protective leg, replacing it", p.Symbol, p.ID)
	}

	ref, err := g.referencePrice(ctx, p.Symbol)
	if err != nil {
		logger.Warnf("guard: no reference price for %s, retrying next cycle: %v", p.Symbol, err)
		return !naked
	}
	tpl := g.profiles.ProfileFor(p.Symbol)
	levels, err := tpl.LevelsFor(p.Side, ref)
	if err != nil {
		logger.Errorf("guard: cannot derive protective levels for %s: %v", p.Symbol, err)
		return !naked
	}
	qty := tpl.SnapQuantity(p.Quantity)
	if qty <= 0 {
		qty = p.Quantity
	}
	exitSide := p.Side.Opposite()

	// Replacements are always good-until-canceled. The usual cause of the
	// gap is a day order expiring at session close; a day-limited
	// replacement would just reopen the same hole tomorrow.
	var stopID, targetID string
	var stopErr, targetErr error
	if !slLive {
		stopID, stopErr = g.submitLeg(ctx, p, types.OrderRecord{
			LocalID:     uuid.NewString(),
			PositionID:  p.ID,
			Symbol:      p.Symbol,
			Side:        exitSide,
			Kind:        types.KindStop,
			Role:        types.RoleStopLoss,
			TimeInForce: types.TIFGoodTilCanceled,
			Quantity:    qty,
			StopPrice:   levels.StopLoss,
		})
	}
	if !tpLive {
		targetID, targetErr = g.submitLeg(ctx, p, types.OrderRecord{
			LocalID:     uuid.NewString(),
			PositionID:  p.ID,
			Symbol:      p.Symbol,
			Side:        exitSide,
			Kind:        types.KindLimit,
			Role:        types.RoleTakeProfit,
			TimeInForce: types.TIFGoodTilCanceled,
			Quantity:    qty,
			LimitPrice:  levels.TakeProfit,
		})
	}

	if stopID == "" && targetID == "" {
		logger.Warnf("guard: protective submissions failed for %s (stop: %v, target: %v), retrying next cycle",
			p.Symbol, stopErr, targetErr)
		return !naked
	}
	if err := g.state.AttachProtectiveLegs(ctx, p.ID, targetID, stopID); err != nil {
		logger.Errorf("guard: attach protective legs to %s failed: %v", p.ID, err)
		return !naked
	}
	logger.Infof("guard: protection restored for %s stop=%v target=%v qty=%v",
		p.Symbol, levels.StopLoss, levels.TakeProfit, qty)
	_ = g.jrnl.Append(ctx, journal.KindLifecycle, p.Symbol, "protective orders restored",
		map[string]any{
			"position_id": p.ID, "stop_loss": levels.StopLoss, "take_profit": levels.TakeProfit,
		})
	return true
}

// submitLeg persists the order locally, submits it, and binds the venue id.
// Returns the local id on success, empty on failure.
func (g *Guard) submitLeg(ctx context.Context, p *types.Position, rec types.OrderRecord) (string, error) {
	if err := g.state.RecordSubmission(ctx, &rec); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	ack, err := g.gateway.SubmitOrder(cctx, venue.OrderSpec{
		LocalID:     rec.LocalID,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		Kind:        rec.Kind,
		TimeInForce: rec.TimeInForce,
		Quantity:    rec.Quantity,
		LimitPrice:  rec.LimitPrice,
		StopPrice:   rec.StopPrice,
	})
	cancel()
	if err != nil {
		if venue.IsRejection(err) {
			_ = g.jrnl.Append(ctx, journal.KindRejection, rec.Symbol, err.Error(),
				map[string]any{"position_id": p.ID, "role": string(rec.Role)})
			// Finalize the record so it does not linger in the sweep set.
			_, _, applyErr := g.state.ApplyVenueUpdate(ctx, venue.OrderStatus{
				LocalID: rec.LocalID, State: types.OrderRejected,
				Reason: err.Error(), UpdatedAt: time.Now(),
			})
			if applyErr != nil {
				logger.Warnf("guard: finalize rejected %s failed: %v", rec.LocalID, applyErr)
			}
		}
		return "", err
	}
	if err := g.state.BindVenueID(ctx, rec.LocalID, ack.VenueID); err != nil {
		logger.Warnf("guard: bind venue id for %s failed: %v", rec.LocalID, err)
	}
	return rec.LocalID, nil
}

func (g *Guard) referencePrice(ctx context.Context, symbol string) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	quote, err := g.gateway.LatestPrice(cctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.Price, nil
}
