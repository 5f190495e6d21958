package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel/internal/types"
)

func closedAt(t time.Time) *time.Time { return &t }

func TestSummarize(t *testing.T) {
	base := time.Now()
	s := Summarize([]types.Position{
		{Status: types.PositionClosed, ClosedAt: closedAt(base), RealizedPnL: 100},
		{Status: types.PositionClosed, ClosedAt: closedAt(base), RealizedPnL: -40},
		{Status: types.PositionOpen},
	})
	assert.Equal(t, 2, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.Equal(t, 60.0, s.RealizedPnL)
	assert.Equal(t, 0.5, s.WinRate)
}

func TestRenderProducesPage(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := []types.Position{
		{Symbol: "BTCUSDT", Status: types.PositionClosed, CloseReason: types.CloseTakeProfit,
			ClosedAt: closedAt(base), RealizedPnL: 100},
		{Symbol: "ETHUSDT", Status: types.PositionClosed, CloseReason: types.CloseStopLoss,
			ClosedAt: closedAt(base.Add(time.Hour)), RealizedPnL: -40},
	}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "a1b2c3d4e5", trades))
	html := buf.String()
	assert.Contains(t, html, "a1b2c3d4")
	assert.Contains(t, html, "BTCUSDT")
	assert.Contains(t, html, "Cumulative P")
}

func TestRenderEmptySession(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "s", nil))
	assert.NotZero(t, buf.Len())
}
