package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
venue:
  driver: paper
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, time.Minute, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 20, cfg.Engine.CheckpointRetain)
	assert.Equal(t, 10000, cfg.Stream.QueueSize)
	assert.Equal(t, "risk_profiles.yaml", cfg.Risk.ProfilePath)
	assert.True(t, cfg.HTTP.Enabled)
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  data_dir: /var/lib/keel
  log_level: debug
venue:
  driver: binance
  api_key: k
  api_secret: s
  kline_interval: 5m
engine:
  reconcile_interval: 45s
  checkpoint_retain: 5
strategy:
  detectors: [sma_cross, rsi_reversal]
  symbols: [btcusdt, ethusdt]
  interval: 2m
`))
	require.NoError(t, err)
	assert.Equal(t, "binance", cfg.Venue.Driver)
	assert.Equal(t, 45*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, 5, cfg.Engine.CheckpointRetain)
	assert.Equal(t, []string{"sma_cross", "rsi_reversal"}, cfg.Strategy.Detectors)
	assert.Equal(t, 2*time.Minute, cfg.Strategy.Interval)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
venue:
  driver: binance
`))
	assert.Error(t, err, "binance driver needs credentials")

	_, err = Load(writeConfig(t, `
venue:
  driver: nasdaq
`))
	assert.Error(t, err, "unknown driver must be rejected")

	_, err = Load(writeConfig(t, `
venue:
  driver: paper
engine:
  reconcile_interval: 10ms
`))
	assert.Error(t, err, "sub-second cycle must be rejected")
}
