// File: internal/repository/message/message_repository.go
package message

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iyunix/go-smilin/internal/domain"
)

var ErrMessageNotFound = errors.New("message not found")

const (
	// MaxQueryLimit bounds a single history load.
	MaxQueryLimit = 1000
	// maxStoredTextLength is a storage ceiling; senders enforce the configured limit.
	maxStoredTextLength = 1 << 16
)

type Logger interface {
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

type gormMessageRepository struct {
	db     *gorm.DB
	logger Logger
}

func NewMessageRepository(db *gorm.DB, logger Logger) MessageRepository {
	return &gormMessageRepository{db: db, logger: logger}
}

func (r *gormMessageRepository) Create(ctx context.Context, message *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := message.Validate(maxStoredTextLength); err != nil {
		// a malformed message fails the same way on every attempt
		return nil, domain.NewValidationError("create_message", err.Error())
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(message)
	if result.Error != nil {
		r.logger.Error("database error creating message", "message_id", message.MessageID, "error", result.Error)
		return nil, fmt.Errorf("database error creating message: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Already stored by an earlier attempt; the first write wins.
		r.logger.Debug("message already stored", "message_id", message.MessageID)
		return r.FindByID(ctx, message.MessageID)
	}
	return message, nil
}

func (r *gormMessageRepository) Query(ctx context.Context, a, b domain.UserID, limit int) ([]domain.ChatMessage, error) {
	if a.IsZero() || b.IsZero() {
		return nil, errors.New("both user ids are required")
	}
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	// Take the newest page, then flip it to ascending order.
	var newest []domain.ChatMessage
	err := r.db.WithContext(ctx).
		Where("(from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)", a, b, b, a).
		Order("created_at desc").
		Order("message_id desc").
		Limit(limit).
		Find(&newest).Error
	if err != nil {
		r.logger.Error("database error querying conversation", "user_a", a, "user_b", b, "error", err)
		return nil, fmt.Errorf("database error fetching messages: %w", err)
	}

	messages := make([]domain.ChatMessage, len(newest))
	for i := range newest {
		messages[len(newest)-1-i] = newest[i]
	}
	return messages, nil
}

func (r *gormMessageRepository) FindByID(ctx context.Context, messageID string) (*domain.ChatMessage, error) {
	if messageID == "" {
		return nil, errors.New("invalid message ID")
	}
	var message domain.ChatMessage
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error fetching message: %w", err)
	}
	return &message, nil
}

func (r *gormMessageRepository) CountBetween(ctx context.Context, a, b domain.UserID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("(from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("database error counting messages: %w", err)
	}
	return count, nil
}
