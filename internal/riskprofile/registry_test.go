package riskprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
)

func writeProfileFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadsProfilesAndFallsBack(t *testing.T) {
	path := writeProfileFile(t, `
default:
  risk_pct: 0.02
  reward_multiple: 1.5
profiles:
  btcusdt:
    risk_pct: 0.01
    reward_multiple: 3
    tick_size: 0.1
`)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	btc := r.ProfileFor("btcusdt")
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 0.01, btc.RiskPct)
	assert.Equal(t, 3.0, btc.RewardMultiple)

	eth := r.ProfileFor("ETHUSDT")
	assert.Equal(t, "ETHUSDT", eth.Symbol)
	assert.Equal(t, 0.02, eth.RiskPct)
	assert.Equal(t, 1.5, eth.RewardMultiple)
}

func TestRegistryRejectsInvalidFile(t *testing.T) {
	path := writeProfileFile(t, `
profiles:
  btcusdt:
    risk_pct: 0.9
`)
	_, err := NewRegistry(path)
	assert.Error(t, err, "risk_pct above the schema ceiling must be rejected")
}

func TestRegistryBootstrapsDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "risk_profiles.yaml")
	r, err := NewRegistry(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	tpl := r.ProfileFor("BTCUSDT")
	assert.Greater(t, tpl.RiskPct, 0.0)
}

func TestLevelsForLongAndShort(t *testing.T) {
	tpl := Template{Symbol: "BTCUSDT", RiskPct: 0.01, RewardMultiple: 2, TickSize: 0.1}

	long, err := tpl.LevelsFor(types.SideBuy, 50_000)
	require.NoError(t, err)
	assert.Equal(t, 49_500.0, long.StopLoss)
	assert.Equal(t, 51_000.0, long.TakeProfit)
	assert.Less(t, long.StopLoss, 50_000.0)
	assert.Greater(t, long.TakeProfit, 50_000.0)

	short, err := tpl.LevelsFor(types.SideSell, 50_000)
	require.NoError(t, err)
	assert.Greater(t, short.StopLoss, 50_000.0)
	assert.Less(t, short.TakeProfit, 50_000.0)
}

func TestLevelsForRejectsBadInput(t *testing.T) {
	tpl := Template{Symbol: "BTCUSDT", RiskPct: 0.01, RewardMultiple: 2}
	_, err := tpl.LevelsFor(types.SideBuy, 0)
	assert.Error(t, err)

	empty := Template{Symbol: "BTCUSDT"}
	_, err = empty.LevelsFor(types.SideBuy, 100)
	assert.Error(t, err)
}

func TestSnapQuantity(t *testing.T) {
	tpl := Template{QuantityStep: 0.001}
	assert.Equal(t, 0.123, tpl.SnapQuantity(0.12345))
	assert.Equal(t, 5.0, Template{}.SnapQuantity(5))
}
