package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"keel/internal/logger"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/trader"
	"keel/internal/types"
)

// snapshotSchema is the shape contract a checkpoint payload must satisfy
// before it is allowed to rehydrate the working set.
const snapshotSchema = `{
  "type": "object",
  "required": ["session_id", "created_at", "account"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "positions": {"type": ["array", "null"]},
    "pending_orders": {"type": ["array", "null"]},
    "account": {"type": "object"}
  }
}`

var compiledSnapshotSchema = jsonschema.MustCompileString("checkpoint.json", snapshotSchema)

// CheckpointManager writes sequence-numbered snapshots of the working set
// and restores the newest one on startup. Writes are transactional; a
// reader can never observe a partial checkpoint.
type CheckpointManager struct {
	store *store.Store
	state *trader.State
	jrnl  *journal.Journal

	retainCount int
	maxAge      time.Duration
}

func NewCheckpointManager(st *store.Store, state *trader.State, jrnl *journal.Journal, retainCount int, maxAge time.Duration) *CheckpointManager {
	if retainCount < 1 {
		retainCount = 20
	}
	return &CheckpointManager{
		store:       st,
		state:       state,
		jrnl:        jrnl,
		retainCount: retainCount,
		maxAge:      maxAge,
	}
}

// Create snapshots the working set and persists it. The copy happens under
// the working-set lock; serialization and the write do not.
func (m *CheckpointManager) Create(ctx context.Context) (uint64, error) {
	snap := m.state.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, &CheckpointWriteFailure{Err: err}
	}
	seq, err := m.store.InsertCheckpoint(ctx, snap.SessionID, payload)
	if err != nil {
		_ = m.jrnl.Append(ctx, journal.KindCheckpointFail, "", err.Error(),
			map[string]any{"session_id": snap.SessionID})
		return 0, &CheckpointWriteFailure{Err: err}
	}
	logger.Debugf("checkpoint %d written: %d positions, %d pending orders",
		seq, len(snap.Positions), len(snap.PendingOrders))
	return seq, nil
}

// RestoreLatest loads the highest-sequence checkpoint of the most recent
// session that did not shut down cleanly. Returns NoCheckpointError on a
// first run.
func (m *CheckpointManager) RestoreLatest(ctx context.Context) (trader.Snapshot, types.CheckpointMeta, error) {
	sess, ok, err := m.store.LatestUnfinishedSession(ctx)
	if err != nil {
		return trader.Snapshot{}, types.CheckpointMeta{}, err
	}
	if !ok {
		return trader.Snapshot{}, types.CheckpointMeta{}, &NoCheckpointError{}
	}
	meta, payload, ok, err := m.store.LatestCheckpoint(ctx, sess.ID)
	if err != nil {
		return trader.Snapshot{}, types.CheckpointMeta{}, err
	}
	if !ok {
		return trader.Snapshot{}, types.CheckpointMeta{}, &NoCheckpointError{SessionID: sess.ID}
	}
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return trader.Snapshot{}, meta, fmt.Errorf("checkpoint %d payload unreadable: %w", meta.Seq, err)
	}
	if err := compiledSnapshotSchema.Validate(generic); err != nil {
		return trader.Snapshot{}, meta, fmt.Errorf("checkpoint %d payload invalid: %w", meta.Seq, err)
	}
	var snap trader.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return trader.Snapshot{}, meta, fmt.Errorf("checkpoint %d decode failed: %w", meta.Seq, err)
	}
	return snap, meta, nil
}

// Prune enforces the retention policy. The newest checkpoint is never
// deleted regardless of age.
func (m *CheckpointManager) Prune(ctx context.Context) {
	deleted, err := m.store.PruneCheckpoints(ctx, m.retainCount, m.maxAge)
	if err != nil {
		logger.Warnf("checkpoint prune failed: %v", err)
		return
	}
	if deleted > 0 {
		logger.Debugf("pruned %d old checkpoints", deleted)
	}
}

// Run writes checkpoints on a fixed interval, independent of the reconcile
// cadence. A failed write is fatal to that attempt only.
func (m *CheckpointManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Create(ctx); err != nil {
				logger.Errorf("scheduled checkpoint failed: %v", err)
				continue
			}
			m.Prune(ctx)
		}
	}
}
