package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"keel/internal/store/model"
	"keel/internal/types"
)

// InsertCheckpoint writes one immutable snapshot and returns its sequence
// number. The insert is a single transaction so a reader can never observe
// a partial checkpoint.
func (s *Store) InsertCheckpoint(ctx context.Context, sessionID string, payload []byte) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("store: checkpoint payload is empty")
	}
	m := model.CheckpointModel{
		SessionID:     sessionID,
		Payload:       datatypes.JSON(payload),
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&m).Error
	})
	if err != nil {
		return 0, err
	}
	return m.Seq, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint, optionally
// scoped to one session.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (types.CheckpointMeta, []byte, bool, error) {
	if s == nil || s.db == nil {
		return types.CheckpointMeta{}, nil, false, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&model.CheckpointModel{})
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}
	var m model.CheckpointModel
	if err := query.Order("seq DESC").First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.CheckpointMeta{}, nil, false, nil
		}
		return types.CheckpointMeta{}, nil, false, err
	}
	meta := types.CheckpointMeta{
		Seq:       m.Seq,
		SessionID: m.SessionID,
		CreatedAt: time.UnixMilli(m.CreatedAtUnix),
	}
	return meta, []byte(m.Payload), true, nil
}

func (s *Store) CountCheckpoints(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.CheckpointModel{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// PruneCheckpoints enforces the retention policy: keep the retainCount most
// recent checkpoints plus anything newer than maxAge. The single newest
// checkpoint survives regardless of age. Returns the number deleted.
func (s *Store) PruneCheckpoints(ctx context.Context, retainCount int, maxAge time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	if retainCount < 1 {
		retainCount = 1
	}
	var seqs []uint64
	if err := s.db.WithContext(ctx).Model(&model.CheckpointModel{}).
		Order("seq DESC").
		Pluck("seq", &seqs).Error; err != nil {
		return 0, err
	}
	if len(seqs) <= retainCount {
		return 0, nil
	}
	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge).UnixMilli()
	}
	// seqs[0] is the newest and is never deleted.
	victims := seqs[retainCount:]
	query := s.db.WithContext(ctx).
		Where("seq IN ?", victims)
	if cutoff > 0 {
		query = query.Where("created_at < ?", cutoff)
	}
	res := query.Delete(&model.CheckpointModel{})
	return res.RowsAffected, res.Error
}
