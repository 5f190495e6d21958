package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
)

func TestNewResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"sma_cross", "RSI_Reversal"} {
		d, err := New(name, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, d.Name())
	}
	_, err := New("does_not_exist", nil)
	assert.Error(t, err)
}

func TestNewSetDropsDuplicates(t *testing.T) {
	set, err := NewSet([]string{"sma_cross", "sma_cross", "rsi_reversal"}, nil)
	require.NoError(t, err)
	assert.Len(t, set, 2)
}

func TestSMACrossSignalsOnCrossUp(t *testing.T) {
	d, err := New("sma_cross", map[string]float64{"sma_fast": 3, "sma_slow": 5})
	require.NoError(t, err)

	// A downtrend then a sharp rally so the fast average crosses above the
	// slow one on the final bar.
	closes := []float64{110, 108, 106, 104, 102, 100, 98, 96, 97, 110}
	require.True(t, d.DetectSetup(closes))
	spec, ok := d.GenerateSignal("btcusdt", closes)
	require.True(t, ok)
	assert.Equal(t, types.SideBuy, spec.Side)
	assert.Contains(t, spec.Detector, "sma_cross")
}

func TestSMACrossNoSignalOnFlatSeries(t *testing.T) {
	d, err := New("sma_cross", map[string]float64{"sma_fast": 3, "sma_slow": 5})
	require.NoError(t, err)
	closes := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	_, ok := d.GenerateSignal("BTCUSDT", closes)
	assert.False(t, ok)
}

func TestRSIReversalNeedsWarmup(t *testing.T) {
	d, err := New("rsi_reversal", map[string]float64{"rsi_period": 14})
	require.NoError(t, err)
	assert.False(t, d.DetectSetup(make([]float64, 10)))
	assert.True(t, d.DetectSetup(make([]float64, 40)))
}
