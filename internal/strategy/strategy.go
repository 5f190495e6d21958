// Package strategy defines the detector contract and the fixed set of
// built-in detectors. Signal math stays out of the engine core; detectors
// only look at recent closes and emit entry candidates.
package strategy

import (
	"fmt"
	"strings"

	"keel/internal/strategy/builtins"
	"keel/internal/types"
)

// Detector is the capability the engine consumes. DetectSetup is the cheap
// screen; GenerateSignal produces the concrete entry candidate.
type Detector interface {
	Name() string
	DetectSetup(closes []float64) bool
	GenerateSignal(symbol string, closes []float64) (types.EntrySpec, bool)
}

// New resolves a configured detector name. The set is fixed at compile
// time; there is no runtime code loading.
func New(name string, params map[string]float64) (Detector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sma_cross":
		return builtins.NewSMACross(params), nil
	case "rsi_reversal":
		return builtins.NewRSIReversal(params), nil
	default:
		return nil, fmt.Errorf("strategy: unknown detector %q", name)
	}
}

// NewSet resolves a list of detector names, rejecting duplicates.
func NewSet(names []string, params map[string]float64) ([]Detector, error) {
	seen := make(map[string]bool, len(names))
	out := make([]Detector, 0, len(names))
	for _, name := range names {
		d, err := New(name, params)
		if err != nil {
			return nil, err
		}
		if seen[d.Name()] {
			continue
		}
		seen[d.Name()] = true
		out = append(out, d)
	}
	return out, nil
}
