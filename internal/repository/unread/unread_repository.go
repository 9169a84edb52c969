// File: internal/repository/unread/unread_repository.go
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iyunix/go-smilin/internal/domain"
)

type gormUnreadRepository struct {
	db *gorm.DB
}

func NewUnreadRepository(db *gorm.DB) UnreadRepository {
	return &gormUnreadRepository{db: db}
}

func (r *gormUnreadRepository) Increment(ctx context.Context, owner, from domain.UserID) (int, error) {
	if owner.IsZero() || from.IsZero() {
		return 0, errors.New("owner and peer are required")
	}

	var row domain.UnreadCount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		upsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_user_id"}, {Name: "from_user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("unread_counts.count + 1"),
				"updated_at": now,
			}),
		}).Create(&domain.UnreadCount{OwnerUserID: owner, FromUserID: from, Count: 1, UpdatedAt: now})
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Where("owner_user_id = ? AND from_user_id = ?", owner, from).First(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("database error incrementing unread count: %w", err)
	}
	return row.Count, nil
}

func (r *gormUnreadRepository) Reset(ctx context.Context, owner, from domain.UserID) error {
	if owner.IsZero() || from.IsZero() {
		return errors.New("owner and peer are required")
	}
	err := r.db.WithContext(ctx).
		Model(&domain.UnreadCount{}).
		Where("owner_user_id = ? AND from_user_id = ?", owner, from).
		Updates(map[string]interface{}{"count": 0, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("database error resetting unread count: %w", err)
	}
	return nil
}

func (r *gormUnreadRepository) ListByOwner(ctx context.Context, owner domain.UserID) ([]domain.UnreadCount, error) {
	var rows []domain.UnreadCount
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ? AND count > 0", owner).
		Order("from_user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("database error listing unread counts: %w", err)
	}
	return rows, nil
}
