package identity

import (
	"context"

	"github.com/iyunix/go-smilin/internal/domain"
)

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID stores the authenticated user id on the context.
func WithUserID(ctx context.Context, id domain.UserID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (domain.UserID, bool) {
	id, ok := ctx.Value(userIDKey).(domain.UserID)
	return id, ok && !id.IsZero()
}
