package riskprofile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"keel/internal/types"
)

// Levels are the protective price levels derived from a fill.
type Levels struct {
	StopLoss   float64
	TakeProfit float64
}

// LevelsFor derives stop-loss and take-profit prices from an entry fill.
// The stop sits RiskPct away from the entry on the losing side; the target
// sits RiskPct*RewardMultiple away on the winning side. Both are snapped to
// the symbol's tick grid, the stop toward the entry and the target away
// from it, so neither level crosses the fill price by rounding.
func (t Template) LevelsFor(side types.OrderSide, entryPrice float64) (Levels, error) {
	if entryPrice <= 0 {
		return Levels{}, fmt.Errorf("riskprofile: entry price must be positive, got %v", entryPrice)
	}
	if t.RiskPct <= 0 || t.RewardMultiple <= 0 {
		return Levels{}, fmt.Errorf("riskprofile: profile for %s has no risk parameters", t.Symbol)
	}

	entry := decimal.NewFromFloat(entryPrice)
	riskDist := entry.Mul(decimal.NewFromFloat(t.RiskPct))
	rewardDist := riskDist.Mul(decimal.NewFromFloat(t.RewardMultiple))

	var stop, target decimal.Decimal
	if side == types.SideSell {
		stop = entry.Add(riskDist)
		target = entry.Sub(rewardDist)
	} else {
		stop = entry.Sub(riskDist)
		target = entry.Add(rewardDist)
	}

	if t.TickSize > 0 {
		tick := decimal.NewFromFloat(t.TickSize)
		if side == types.SideSell {
			stop = snapDown(stop, tick)
			target = snapDown(target, tick)
		} else {
			stop = snapUp(stop, tick)
			target = snapUp(target, tick)
		}
	}
	if target.LessThanOrEqual(decimal.Zero) {
		return Levels{}, fmt.Errorf("riskprofile: derived take profit is not positive for %s at %v", t.Symbol, entryPrice)
	}

	sl, _ := stop.Float64()
	tp, _ := target.Float64()
	return Levels{StopLoss: sl, TakeProfit: tp}, nil
}

// SnapQuantity rounds a quantity down to the symbol's lot step.
func (t Template) SnapQuantity(qty float64) float64 {
	if t.QuantityStep <= 0 || qty <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(t.QuantityStep)
	q := decimal.NewFromFloat(qty)
	out, _ := q.Div(step).Floor().Mul(step).Float64()
	return out
}

func snapDown(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Floor().Mul(tick)
}

func snapUp(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Ceil().Mul(tick)
}
