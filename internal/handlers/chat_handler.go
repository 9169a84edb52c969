// File: internal/handlers/chat_handler.go
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/ratelimit"
	"github.com/iyunix/go-smilin/internal/services/delivery"
	"github.com/iyunix/go-smilin/internal/services/identity"
)

const defaultHistoryLimit = 500

type History interface {
	Query(ctx context.Context, a, b domain.UserID, limit int) ([]domain.ChatMessage, error)
}

type Sender interface {
	Send(ctx context.Context, from, to domain.UserID, text string, opts ...delivery.SendOption) (*domain.ChatMessage, error)
}

type Unread interface {
	Counts(ctx context.Context, owner domain.UserID) (map[domain.UserID]int, error)
	OnOpen(ctx context.Context, owner, peer domain.UserID) error
}

type Limiter interface {
	Allow(identifier string) (bool, *ratelimit.RateLimitInfo)
}

type ChatHandler struct {
	directory Directory
	history   History
	sender    Sender
	unread    Unread
	limiter   Limiter
	logger    Logger
}

func NewChatHandler(directory Directory, history History, sender Sender, unread Unread, limiter Limiter, logger Logger) *ChatHandler {
	return &ChatHandler{
		directory: directory,
		history:   history,
		sender:    sender,
		unread:    unread,
		limiter:   limiter,
		logger:    logger,
	}
}

// GetMessages returns the conversation with ?peerId= in ascending order.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	peer := domain.UserID(query.Get("peerId"))
	if peer.IsZero() {
		writeError(w, "peerId is required", http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if _, err := h.directory.Lookup(r.Context(), peer); err != nil {
		writeChatError(w, err)
		return
	}

	messages, err := h.history.Query(r.Context(), userID, peer, limit)
	if err != nil {
		h.logger.Error("history query failed", "user_id", userID, "peer_id", peer, "error", err)
		writeError(w, "Could not retrieve messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// PostMessage sends a message without a websocket.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req domain.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(string(userID)); !allowed {
			writeChatError(w, domain.NewRateLimitError("send", userID))
			return
		}
	}

	msg, err := h.sender.Send(r.Context(), userID, req.ToUserID, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, domain.SentPayload{ClientRef: req.ClientRef, Message: *msg})
	case msg != nil && domain.IsType(err, domain.ErrTypePersistenceFailure):
		// delivered live but not stored
		writeJSON(w, http.StatusAccepted, domain.ProblemPayload{
			ClientRef: req.ClientRef,
			Code:      domain.ErrTypePersistenceFailure,
			Message:   "message delivered but not saved",
			MessageID: msg.MessageID,
			PeerID:    req.ToUserID,
		})
	default:
		writeChatError(w, err)
	}
}

// GetUnreadCounts returns {fromUserId: count} for the caller.
func (h *ChatHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	counts, err := h.unread.Counts(r.Context(), userID)
	if err != nil {
		h.logger.Error("unread counts failed", "user_id", userID, "error", err)
		writeError(w, "Could not retrieve unread counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ResetUnread clears the caller's counter for one peer.
func (h *ChatHandler) ResetUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req domain.PeerRequest
	if err := decodeJSON(w, r, &req); err != nil || req.PeerID.IsZero() {
		writeError(w, "peerId is required", http.StatusBadRequest)
		return
	}
	if err := h.unread.OnOpen(r.Context(), userID, req.PeerID); err != nil {
		h.logger.Error("unread reset failed", "user_id", userID, "peer_id", req.PeerID, "error", err)
		writeError(w, "Could not reset unread count", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
