// File: internal/repository/message/interface.go
package message

import (
	"context"

	"github.com/iyunix/go-smilin/internal/domain"
)

type MessageRepository interface {
	// Create stores the message once. Creating an id that already exists is
	// a no-op that returns the stored row.
	Create(ctx context.Context, message *domain.ChatMessage) (*domain.ChatMessage, error)
	// Query returns the conversation of a and b in ascending CreatedAt order.
	Query(ctx context.Context, a, b domain.UserID, limit int) ([]domain.ChatMessage, error)
	FindByID(ctx context.Context, messageID string) (*domain.ChatMessage, error)
	CountBetween(ctx context.Context, a, b domain.UserID) (int64, error)
}
