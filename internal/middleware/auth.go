// File: internal/middleware/auth.go
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services/identity"
)

type TokenValidator interface {
	ValidateToken(token string) (domain.UserID, error)
}

// NewJWTMiddleware authenticates the request from a bearer header, the
// auth cookie or the token query parameter, in that order.
func NewJWTMiddleware(validator TokenValidator, logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, fromCookie := tokenFromRequest(r)
			if token == "" {
				logger.Debug("missing auth token", "path", r.URL.Path)
				writeJSONError(w, http.StatusUnauthorized, map[string]interface{}{"error": "authentication required"})
				return
			}

			userID, err := validator.ValidateToken(token)
			if err != nil {
				logger.Warn("invalid auth token", "path", r.URL.Path, "error", err)
				if fromCookie {
					http.SetCookie(w, ClearAuthCookie(r))
				}
				writeJSONError(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid or expired token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), userID)))
		})
	}
}

func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token), false
		}
	}
	if c, err := r.Cookie(AuthCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return r.URL.Query().Get(TokenQueryParam), false
}

// AuthCookie builds the cookie handed out on login.
func AuthCookie(r *http.Request, token string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearAuthCookie expires the auth cookie.
func ClearAuthCookie(r *http.Request) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
}
