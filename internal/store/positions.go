package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"keel/internal/store/model"
	"keel/internal/types"
)

var positionUpsertColumns = []string{
	"quantity", "entry_price", "take_profit_order_id", "stop_loss_order_id",
	"status", "close_reason", "close_price", "realized_pnl", "unprotected",
	"closed_at", "updated_at",
}

func (s *Store) UpsertPosition(ctx context.Context, p types.Position) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("store: position id is required")
	}
	m := model.NewPositionModel(p)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(positionUpsertColumns),
		}).
		Create(&m).Error
}

func (s *Store) GetPosition(ctx context.Context, id string) (types.Position, bool, error) {
	if s == nil || s.db == nil {
		return types.Position{}, false, fmt.Errorf("store not initialized")
	}
	var m model.PositionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Position{}, false, nil
		}
		return types.Position{}, false, err
	}
	return model.PositionModelToRecord(m), true, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	var models []model.PositionModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(types.PositionOpen)).
		Order("opened_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		out = append(out, model.PositionModelToRecord(m))
	}
	return out, nil
}

func (s *Store) ListClosedPositions(ctx context.Context, sessionID string, limit int) ([]types.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	query := s.db.WithContext(ctx).Where("status = ?", string(types.PositionClosed))
	if sid := strings.TrimSpace(sessionID); sid != "" {
		query = query.Where("session_id = ?", sid)
	}
	var models []model.PositionModel
	if err := query.Order("closed_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		out = append(out, model.PositionModelToRecord(m))
	}
	return out, nil
}
