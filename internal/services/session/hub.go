// File: internal/services/session/hub.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/ratelimit"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/delivery"
	"github.com/iyunix/go-smilin/internal/services/presence"
	"github.com/iyunix/go-smilin/internal/services/view"
)

var (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingInterval       = (pongWait * 9) / 10
	maxMessageSize     = int64(64 * 1024)
	sendBufSize        = 256
	inboundBufSize     = 64
	sendTimeout        = 2 * time.Second
	inboundSendTimeout = 500 * time.Millisecond
	cleanupTimeout     = 5 * time.Second
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// PresenceFeed is the part of the presence tracker a session reads.
type PresenceFeed interface {
	Subscribe(fn func(domain.PresenceEvent)) (unsubscribe func())
	Snapshot() []domain.PresenceRecord
}

type Sender interface {
	Send(ctx context.Context, from, to domain.UserID, text string, opts ...delivery.SendOption) (*domain.ChatMessage, error)
}

type UnreadCounts interface {
	Counts(ctx context.Context, owner domain.UserID) (map[domain.UserID]int, error)
}

type Limiter interface {
	Allow(identifier string) (bool, *ratelimit.RateLimitInfo)
}

// Deps are the services a hub wires every session to.
type Deps struct {
	Registry  presence.Registry
	Presence  PresenceFeed
	Transport channel.Transport
	Views     *view.Service
	Sender    Sender
	Unread    UnreadCounts
	SendLimit Limiter
	TypeLimit Limiter
	Logger    Logger
}

// Hub serves websocket sessions and tracks them for shutdown.
type Hub struct {
	deps Deps

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[domain.ConnectionID]*Session
	wg       sync.WaitGroup
}

func NewHub(deps Deps) *Hub {
	base, cancel := context.WithCancel(context.Background())
	return &Hub{
		deps:     deps,
		base:     base,
		cancel:   cancel,
		sessions: make(map[domain.ConnectionID]*Session),
	}
}

// Serve runs one client connection until it closes. The caller has already
// authenticated userID.
func (h *Hub) Serve(ctx context.Context, userID domain.UserID, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	s := newSession(ctx, cancel, h, domain.NewConnectionHandle(userID), conn)
	if !h.add(s) {
		_ = conn.Close()
		return
	}
	defer h.remove(s)

	s.run()
}

// Sessions returns how many connections are being served.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown ends every session and waits for their cleanup, or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) add(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.base.Err() != nil {
		return false
	}
	h.sessions[s.handle.ConnectionID] = s
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.handle.ConnectionID)
	h.mu.Unlock()
	h.wg.Done()
}
