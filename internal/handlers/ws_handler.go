// File: internal/handlers/ws_handler.go
package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/middleware"
	"github.com/iyunix/go-smilin/internal/services/identity"
)

type SessionServer interface {
	Serve(ctx context.Context, userID domain.UserID, conn *websocket.Conn)
	Sessions() int
}

type WSHandler struct {
	sessions SessionServer
	upgrader websocket.Upgrader
	logger   Logger
}

func NewWSHandler(sessions SessionServer, allowedOrigins []string, logger Logger) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		logger: logger,
	}
}

// Connect upgrades an authenticated request and serves the session until the
// socket closes.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	h.sessions.Serve(r.Context(), userID, conn)
}
