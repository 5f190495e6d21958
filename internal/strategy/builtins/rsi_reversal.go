package builtins

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"keel/internal/types"
)

// RSIReversal signals mean reversion off RSI extremes: long out of
// oversold, short out of overbought.
type RSIReversal struct {
	period     int
	oversold   float64
	overbought float64
}

func NewRSIReversal(params map[string]float64) *RSIReversal {
	d := &RSIReversal{period: 14, oversold: 30, overbought: 70}
	if v, ok := params["rsi_period"]; ok && v >= 2 {
		d.period = int(v)
	}
	if v, ok := params["rsi_oversold"]; ok && v > 0 && v < 50 {
		d.oversold = v
	}
	if v, ok := params["rsi_overbought"]; ok && v > 50 && v < 100 {
		d.overbought = v
	}
	return d
}

func (d *RSIReversal) Name() string { return "rsi_reversal" }

func (d *RSIReversal) DetectSetup(closes []float64) bool {
	return len(closes) > d.period+2
}

func (d *RSIReversal) GenerateSignal(symbol string, closes []float64) (types.EntrySpec, bool) {
	if !d.DetectSetup(closes) {
		return types.EntrySpec{}, false
	}
	rsi := talib.Rsi(closes, d.period)
	n := len(rsi) - 1

	// Trigger on the exit from the extreme, not while still inside it.
	leftOversold := rsi[n-1] < d.oversold && rsi[n] >= d.oversold
	leftOverbought := rsi[n-1] > d.overbought && rsi[n] <= d.overbought
	switch {
	case leftOversold:
		return types.EntrySpec{
			Symbol:   symbol,
			Side:     types.SideBuy,
			Detector: fmt.Sprintf("%s(%d)", d.Name(), d.period),
		}, true
	case leftOverbought:
		return types.EntrySpec{
			Symbol:   symbol,
			Side:     types.SideSell,
			Detector: fmt.Sprintf("%s(%d)", d.Name(), d.period),
		}, true
	}
	return types.EntrySpec{}, false
}
