// File: internal/handlers/user_handler.go
package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iyunix/go-smilin/internal/domain"
)

type Directory interface {
	CurrentUser(ctx context.Context) (domain.Profile, error)
	Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error)
	ListUsers(ctx context.Context) ([]domain.Profile, error)
}

type PresenceSnapshot interface {
	Snapshot() []domain.PresenceRecord
}

type UserHandler struct {
	directory Directory
	presence  PresenceSnapshot
	logger    Logger
}

func NewUserHandler(directory Directory, presence PresenceSnapshot, logger Logger) *UserHandler {
	return &UserHandler{directory: directory, presence: presence, logger: logger}
}

// ListUsers returns the whole directory.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", "error", err)
		writeError(w, "Could not retrieve users", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.directory.Lookup(r.Context(), domain.UserID(mux.Vars(r)["id"]))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Me returns the caller's own profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.directory.CurrentUser(r.Context())
	if err != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// OnlineUsers lists who is online and which conversation each is viewing.
func (h *UserHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	records := h.presence.Snapshot()
	if records == nil {
		records = []domain.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
