// File: internal/services/identity/service.go
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iyunix/go-smilin/internal/auth"
	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/repository/user"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = user.ErrUserExists
	ErrUnauthenticated    = errors.New("no authenticated user")
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Service is the identity directory: it resolves user ids to profiles and
// issues tokens for registered users.
type Service struct {
	users     user.UserRepository
	secretKey []byte
	tokenTTL  time.Duration
	logger    Logger
}

func NewService(users user.UserRepository, secretKey string, tokenTTL time.Duration, logger Logger) *Service {
	return &Service{
		users:     users,
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

// Register creates a user and returns a signed token for it.
func (s *Service) Register(ctx context.Context, id domain.UserID, displayName, avatarURL, password string) (*domain.User, string, error) {
	u := &domain.User{
		ID:          domain.UserID(strings.TrimSpace(string(id))),
		DisplayName: strings.TrimSpace(displayName),
		AvatarURL:   strings.TrimSpace(avatarURL),
	}
	if err := u.IsValid(); err != nil {
		return nil, "", domain.NewValidationError("register", err.Error())
	}
	if err := u.HashPassword(password); err != nil {
		return nil, "", domain.NewValidationError("register", err.Error())
	}

	created, err := s.users.Create(ctx, u)
	if err != nil {
		if errors.Is(err, user.ErrUserExists) {
			s.logger.Warn("registration failed - id already taken", "user_id", u.ID)
			return nil, "", ErrUserExists
		}
		s.logger.Error("registration failed", "user_id", u.ID, "error", err)
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	token, err := auth.GenerateJWT(string(created.ID), s.secretKey, s.tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	s.logger.Info("user registered", "user_id", created.ID)
	return created, token, nil
}

// Login authenticates a user and returns a JWT token
func (s *Service) Login(ctx context.Context, id domain.UserID, password string) (*domain.User, string, error) {
	if id.IsZero() || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		s.logger.Warn("login failed - user not found", "user_id", id)
		return nil, "", ErrInvalidCredentials
	}
	if err := u.ValidatePassword(password); err != nil {
		s.logger.Warn("login failed - invalid password", "user_id", id)
		return nil, "", ErrInvalidCredentials
	}

	token, err := auth.GenerateJWT(string(u.ID), s.secretKey, s.tokenTTL)
	if err != nil {
		s.logger.Error("JWT token generation failed", "user_id", id, "error", err)
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	s.logger.Info("login successful", "user_id", id)
	return u, token, nil
}

// ValidateToken returns the user id carried by a valid token.
func (s *Service) ValidateToken(token string) (domain.UserID, error) {
	sub, err := auth.ValidateToken(token, s.secretKey)
	if err != nil {
		return "", err
	}
	return domain.UserID(sub), nil
}

// CurrentUser resolves the authenticated user of the request context.
func (s *Service) CurrentUser(ctx context.Context) (domain.Profile, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return domain.Profile{}, domain.NewIdentityError("current_user", "", ErrUnauthenticated)
	}
	return s.Lookup(ctx, id)
}

// Lookup resolves a user id to its public profile.
func (s *Service) Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	if id.IsZero() {
		return domain.Profile{}, domain.NewIdentityError("lookup", id, errors.New("empty user id"))
	}
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return domain.Profile{}, domain.NewIdentityError("lookup", id, err)
	}
	return u.Profile(), nil
}

// ListUsers returns every known user, ordered by display name.
func (s *Service) ListUsers(ctx context.Context) ([]domain.Profile, error) {
	users, err := s.users.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].Profile())
	}
	return profiles, nil
}

// Profiles resolves several ids at once; unknown ids are skipped.
func (s *Service) Profiles(ctx context.Context, ids []domain.UserID) ([]domain.Profile, error) {
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].Profile())
	}
	return profiles, nil
}
