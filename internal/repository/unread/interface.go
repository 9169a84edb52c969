// File: internal/repository/unread/interface.go
package unread

import (
	"context"

	"github.com/iyunix/go-smilin/internal/domain"
)

// UnreadRepository stores per-(owner, peer) unread counters.
type UnreadRepository interface {
	// Increment adds one to the counter and returns the new value.
	Increment(ctx context.Context, owner, from domain.UserID) (int, error)
	Reset(ctx context.Context, owner, from domain.UserID) error
	ListByOwner(ctx context.Context, owner domain.UserID) ([]domain.UnreadCount, error)
}
