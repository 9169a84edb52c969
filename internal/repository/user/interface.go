package user

import (
	"context"

	"github.com/iyunix/go-smilin/internal/domain"
)

// UserRepository handles user data operations.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	FindByIDs(ctx context.Context, ids []domain.UserID) ([]domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	FindAll(ctx context.Context) ([]domain.User, error)
}
