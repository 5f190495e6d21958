package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndList(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.Append(ctx, KindUnprotected, "BTCUSDT", "position unprotected", map[string]any{
		"symbol": "BTCUSDT", "position_id": "pos-1",
	}))
	require.NoError(t, j.Append(ctx, KindDrift, "", "leg ambiguity", map[string]any{
		"symbol": "ETHUSDT",
	}))
	require.NoError(t, j.Append(ctx, KindLifecycle, "", "session started", nil))

	all, err := j.List(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	warnings, err := j.List(ctx, Query{Kind: KindUnprotected})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "BTCUSDT", warnings[0].Symbol)

	// Symbol filter falls through to the JSON payload.
	eth, err := j.List(ctx, Query{Symbol: "ethusdt"})
	require.NoError(t, err)
	require.Len(t, eth, 1)
	assert.Equal(t, KindDrift, eth[0].Kind)

	none, err := j.List(ctx, Query{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// A symbol query must return a full page even when entries for other symbols
// outnumber the matches inside the newest rows.
func TestListSymbolFilterFillsLimit(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(ctx, KindDrift, "ETHUSDT", "drift noted", nil))
		// Symbol only in the payload, as reconciler drift entries write it.
		require.NoError(t, j.Append(ctx, KindDrift, "", "drift noted", map[string]any{
			"symbol": "BTCUSDT",
		}))
	}

	got, err := j.List(ctx, Query{Symbol: "btcusdt", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 5)

	all, err := j.List(ctx, Query{Symbol: "BTCUSDT", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, all, 10)
}
