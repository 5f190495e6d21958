// Package builtins holds the known detector implementations.
package builtins

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"keel/internal/types"
)

// SMACross signals when the fast moving average crosses the slow one on the
// latest bar.
type SMACross struct {
	fast int
	slow int
}

func NewSMACross(params map[string]float64) *SMACross {
	d := &SMACross{fast: 9, slow: 21}
	if v, ok := params["sma_fast"]; ok && v >= 2 {
		d.fast = int(v)
	}
	if v, ok := params["sma_slow"]; ok && v > float64(d.fast) {
		d.slow = int(v)
	}
	return d
}

func (d *SMACross) Name() string { return "sma_cross" }

func (d *SMACross) DetectSetup(closes []float64) bool {
	return len(closes) > d.slow+1
}

func (d *SMACross) GenerateSignal(symbol string, closes []float64) (types.EntrySpec, bool) {
	if !d.DetectSetup(closes) {
		return types.EntrySpec{}, false
	}
	fast := talib.Sma(closes, d.fast)
	slow := talib.Sma(closes, d.slow)
	n := len(closes) - 1

	crossedUp := fast[n-1] <= slow[n-1] && fast[n] > slow[n]
	crossedDown := fast[n-1] >= slow[n-1] && fast[n] < slow[n]
	switch {
	case crossedUp:
		return types.EntrySpec{
			Symbol:   symbol,
			Side:     types.SideBuy,
			Detector: fmt.Sprintf("%s(%d/%d)", d.Name(), d.fast, d.slow),
		}, true
	case crossedDown:
		return types.EntrySpec{
			Symbol:   symbol,
			Side:     types.SideSell,
			Detector: fmt.Sprintf("%s(%d/%d)", d.Name(), d.fast, d.slow),
		}, true
	}
	return types.EntrySpec{}, false
}
