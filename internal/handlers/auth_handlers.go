// File: internal/handlers/auth_handlers.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/middleware"
	"github.com/iyunix/go-smilin/internal/services/identity"
)

type Authenticator interface {
	Register(ctx context.Context, id domain.UserID, displayName, avatarURL, password string) (*domain.User, string, error)
	Login(ctx context.Context, id domain.UserID, password string) (*domain.User, string, error)
}

// AuthHandler holds the dependencies for authentication handlers.
type AuthHandler struct {
	auth     Authenticator
	tokenTTL time.Duration
	logger   Logger
}

func NewAuthHandler(auth Authenticator, tokenTTL time.Duration, logger Logger) *AuthHandler {
	return &AuthHandler{auth: auth, tokenTTL: tokenTTL, logger: logger}
}

type registerRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Password    string `json:"password"`
}

type loginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string         `json:"token"`
	User  domain.Profile `json:"user"`
}

// Register creates a user and logs it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.Register(r.Context(), domain.UserID(req.ID), req.DisplayName, req.AvatarURL, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			writeError(w, "User id is already taken", http.StatusConflict)
			return
		}
		if domain.IsType(err, domain.ErrTypeValidation) {
			writeChatError(w, err)
			return
		}
		h.logger.Error("registration error", "user_id", req.ID, "error", err)
		writeError(w, "Registration failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, middleware.AuthCookie(r, token, h.tokenTTL))
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user.Profile()})
}

// Login validates credentials and sets the auth cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" || req.Password == "" {
		writeError(w, "User id and password are required.", http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.Login(r.Context(), domain.UserID(id), req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, "Invalid user id or password.", http.StatusUnauthorized)
			return
		}
		h.logger.Error("login error", "user_id", id, "error", err)
		writeError(w, "Login failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, middleware.AuthCookie(r, token, h.tokenTTL))
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user.Profile()})
}

// Logout clears the auth cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, middleware.ClearAuthCookie(r))
	w.WriteHeader(http.StatusNoContent)
}
