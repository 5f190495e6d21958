package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"keel/internal/store/model"
	"keel/internal/types"
)

func (s *Store) InsertSession(ctx context.Context, sess types.Session) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	m := model.NewSessionModel(sess)
	return s.db.WithContext(ctx).Create(&m).Error
}

// MarkStaleSessionsCrashed promotes any session still "active" to "crashed".
// Run at startup before a new session begins; a clean shutdown would have
// completed them.
func (s *Store) MarkStaleSessionsCrashed(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.SessionModel{}).
		Where("status = ?", string(types.SessionActive)).
		Updates(map[string]interface{}{
			"status":     string(types.SessionCrashed),
			"updated_at": time.Now().UnixMilli(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) CompleteSession(ctx context.Context, id string, endedAt time.Time) error {
	return s.setSessionStatus(ctx, id, types.SessionCompleted, endedAt)
}

func (s *Store) setSessionStatus(ctx context.Context, id string, status types.SessionStatus, endedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	payload := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UnixMilli(),
	}
	if !endedAt.IsZero() {
		payload["ended_at"] = endedAt.UnixMilli()
	}
	res := s.db.WithContext(ctx).Model(&model.SessionModel{}).
		Where("id = ?", id).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) UpdateSessionMetrics(ctx context.Context, id string, totalTrades int, realizedPnL float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.WithContext(ctx).Model(&model.SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_trades": totalTrades,
			"realized_pnl": realizedPnL,
			"updated_at":   time.Now().UnixMilli(),
		}).Error
}

func (s *Store) GetSession(ctx context.Context, id string) (types.Session, bool, error) {
	if s == nil || s.db == nil {
		return types.Session{}, false, fmt.Errorf("store not initialized")
	}
	var m model.SessionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Session{}, false, nil
		}
		return types.Session{}, false, err
	}
	return model.SessionModelToRecord(m), true, nil
}

// LatestUnfinishedSession returns the most recent session that did not shut
// down cleanly, if any. Checkpoint restore is scoped to it.
func (s *Store) LatestUnfinishedSession(ctx context.Context) (types.Session, bool, error) {
	if s == nil || s.db == nil {
		return types.Session{}, false, fmt.Errorf("store not initialized")
	}
	var m model.SessionModel
	err := s.db.WithContext(ctx).
		Where("status != ?", string(types.SessionCompleted)).
		Order("started_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Session{}, false, nil
		}
		return types.Session{}, false, err
	}
	return model.SessionModelToRecord(m), true, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.Session, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var models []model.SessionModel
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Session, 0, len(models))
	for _, m := range models {
		out = append(out, model.SessionModelToRecord(m))
	}
	return out, nil
}
