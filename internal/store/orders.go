package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"keel/internal/store/model"
	"keel/internal/types"
)

var orderUpsertColumns = []string{
	"venue_id", "position_id", "state", "filled_quantity", "filled_avg_price",
	"reason", "terminal_at", "updated_at",
}

// InsertOrder persists a freshly submitted order record. Fails if the local
// id is already taken.
func (s *Store) InsertOrder(ctx context.Context, rec types.OrderRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if strings.TrimSpace(rec.LocalID) == "" {
		return fmt.Errorf("store: order local id is required")
	}
	m := model.NewOrderRecordModel(rec)
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpsertOrder writes venue-merged state back. Only reconciler-owned columns
// are updated; identity and submission attributes stay as first written.
func (s *Store) UpsertOrder(ctx context.Context, rec types.OrderRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if strings.TrimSpace(rec.LocalID) == "" {
		return fmt.Errorf("store: order local id is required")
	}
	m := model.NewOrderRecordModel(rec)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "local_id"}},
			DoUpdates: clause.AssignmentColumns(orderUpsertColumns),
		}).
		Create(&m).Error
}

func (s *Store) GetOrder(ctx context.Context, localID string) (types.OrderRecord, bool, error) {
	if s == nil || s.db == nil {
		return types.OrderRecord{}, false, fmt.Errorf("store not initialized")
	}
	var m model.OrderRecordModel
	if err := s.db.WithContext(ctx).Where("local_id = ?", localID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.OrderRecord{}, false, nil
		}
		return types.OrderRecord{}, false, err
	}
	return model.OrderRecordModelToRecord(m), true, nil
}

// ListPendingOrders returns every order record not in a terminal state.
func (s *Store) ListPendingOrders(ctx context.Context) ([]types.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	states := []string{
		string(types.OrderSubmitted),
		string(types.OrderAcknowledged),
		string(types.OrderPartiallyFilled),
	}
	var models []model.OrderRecordModel
	if err := s.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("submitted_at ASC, local_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, model.OrderRecordModelToRecord(m))
	}
	return out, nil
}

func (s *Store) ListOrdersByPosition(ctx context.Context, positionID string) ([]types.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	var models []model.OrderRecordModel
	if err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("submitted_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, model.OrderRecordModelToRecord(m))
	}
	return out, nil
}

func (s *Store) ListRecentOrders(ctx context.Context, since time.Time, limit int) ([]types.OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&model.OrderRecordModel{})
	if !since.IsZero() {
		query = query.Where("submitted_at >= ?", since.UnixMilli())
	}
	var models []model.OrderRecordModel
	if err := query.Order("submitted_at DESC, local_id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, model.OrderRecordModelToRecord(m))
	}
	return out, nil
}
