// File: internal/repository/user/gorm_user_repository.go
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/iyunix/go-smilin/internal/domain"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type gormUserRepository struct {
	db     *gorm.DB
	logger Logger
}

func NewGormUserRepository(db *gorm.DB, logger Logger) UserRepository {
	return &gormUserRepository{db: db, logger: logger}
}

// Create - validates input and refuses duplicate ids
func (r *gormUserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	if err := user.IsValid(); err != nil {
		r.logger.Warn("user validation failed", "user_id", user.ID, "error", err)
		return nil, domain.NewValidationError("create_user", err.Error())
	}

	var existing int64
	if err := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", user.ID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("database error checking user: %w", err)
	}
	if existing > 0 {
		return nil, ErrUserExists
	}

	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		r.logger.Error("database error creating user", "user_id", user.ID, "error", err)
		return nil, errors.New("database error creating user")
	}

	r.logger.Info("user created", "user_id", user.ID)
	return user, nil
}

func (r *gormUserRepository) Update(ctx context.Context, user *domain.User) error {
	if user.ID.IsZero() {
		return errors.New("invalid user ID")
	}
	if err := user.IsValid(); err != nil {
		return domain.NewValidationError("update_user", err.Error())
	}

	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		r.logger.Error("database error updating user", "user_id", user.ID, "error", result.Error)
		return errors.New("database error updating user")
	}
	return nil
}

// FindByID - returns ErrUserNotFound for unknown ids
func (r *gormUserRepository) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if id.IsZero() {
		return nil, errors.New("invalid user ID")
	}

	var user domain.User
	err := r.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(string(id))).First(&user).Error
	return r.handleFindError(err, &user)
}

func (r *gormUserRepository) FindByIDs(ctx context.Context, ids []domain.UserID) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []domain.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("display_name asc").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("database error fetching users: %w", err)
	}
	return users, nil
}

func (r *gormUserRepository) FindAll(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := r.db.WithContext(ctx).Order("display_name asc").Order("id asc").Find(&users).Error; err != nil {
		r.logger.Error("database error listing users", "error", err)
		return nil, errors.New("database error listing users")
	}
	return users, nil
}

func (r *gormUserRepository) handleFindError(err error, user *domain.User) (*domain.User, error) {
	if err == nil {
		return user, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	r.logger.Error("database error fetching user", "error", err)
	return nil, errors.New("database error fetching user")
}
