// File: internal/services/view/view.go
package view

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/dedup"
)

const (
	DefaultTypingTTL    = 3 * time.Second
	DefaultHistoryLimit = 500
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

type History interface {
	Query(ctx context.Context, a, b domain.UserID, limit int) ([]domain.ChatMessage, error)
}

type IdentityResolver interface {
	Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error)
}

// Attacher is the per-connection channel router.
type Attacher interface {
	Attach(ctx context.Context, ch domain.ChannelID) (*channel.Handle, error)
	Detach(h *channel.Handle) error
	Publish(ctx context.Context, ch domain.ChannelID, data []byte) error
}

// Presence keeps which conversations each connection has open.
type Presence interface {
	OpenView(userID domain.UserID, conn domain.ConnectionID, peer domain.UserID)
	CloseView(userID domain.UserID, conn domain.ConnectionID, peer domain.UserID)
}

type UnreadResetter interface {
	OnOpen(ctx context.Context, owner, peer domain.UserID) error
}

// Sink receives what an open view renders. Calls for one view are never
// concurrent.
type Sink interface {
	Message(peer domain.UserID, msg domain.ChatMessage)
	Typing(peer domain.UserID, notice domain.TypingNotice)
	// Interrupted reports that the live feed of an open view ended without
	// Close, typically because the consumer fell behind. The view is already
	// gone; opening it again reloads history.
	Interrupted(peer domain.UserID)
}

type Config struct {
	TypingTTL    time.Duration
	HistoryLimit int
}

// Service holds what every conversation view needs.
type Service struct {
	cfg      Config
	history  History
	identity IdentityResolver
	presence Presence
	unread   UnreadResetter
	logger   Logger
	now      func() time.Time
}

func NewService(cfg Config, history History, identity IdentityResolver, presence Presence, unread UnreadResetter, logger Logger) *Service {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		cfg:      cfg,
		history:  history,
		identity: identity,
		presence: presence,
		unread:   unread,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Manager owns the open views of one client connection.
type Manager struct {
	svc    *Service
	owner  domain.UserID
	conn   domain.ConnectionID
	router Attacher
	sink   Sink

	mu    sync.Mutex
	views map[domain.UserID]*View
}

func (s *Service) NewManager(handle domain.ConnectionHandle, router Attacher, sink Sink) *Manager {
	return &Manager{
		svc:    s,
		owner:  handle.UserID,
		conn:   handle.ConnectionID,
		router: router,
		sink:   sink,
		views:  make(map[domain.UserID]*View),
	}
}

// View is one open conversation of a connection.
type View struct {
	owner  domain.UserID
	peer   domain.UserID
	filter *dedup.Filter
	handle *channel.Handle
	done   chan struct{}
	logger Logger

	closing atomic.Bool
}

// Open resolves the peer, loads history, seeds the filter and only then
// attaches to the live channel. The viewing state and unread reset follow.
func (m *Manager) Open(ctx context.Context, peer domain.UserID) (domain.HistoryPayload, error) {
	if peer == m.owner {
		return domain.HistoryPayload{}, domain.NewValidationError("open", "cannot open a conversation with yourself")
	}
	profile, err := m.svc.identity.Lookup(ctx, peer)
	if err != nil {
		if domain.IsType(err, domain.ErrTypeIdentityUnresolved) {
			return domain.HistoryPayload{}, err
		}
		return domain.HistoryPayload{}, domain.NewIdentityError("open", peer, err)
	}

	messages, err := m.svc.history.Query(ctx, m.owner, peer, m.svc.cfg.HistoryLimit)
	if err != nil {
		return domain.HistoryPayload{}, domain.NewPersistenceError("open", "history could not be loaded", err)
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.views[peer]
	if ok {
		// reopening refreshes history into the same filter
		for i := range messages {
			v.filter.Seed(messages[i].MessageID)
		}
	} else {
		v = &View{owner: m.owner, peer: peer, filter: dedup.NewFilter(), done: make(chan struct{}), logger: m.svc.logger}
		for i := range messages {
			v.filter.Seed(messages[i].MessageID)
		}
		handle, err := m.router.Attach(ctx, channel.ChannelFor(m.owner, peer))
		if err != nil {
			v.filter.Close()
			return domain.HistoryPayload{}, err
		}
		v.handle = handle
		m.views[peer] = v
		go m.run(v)
	}

	m.svc.presence.OpenView(m.owner, m.conn, peer)
	if m.svc.unread != nil {
		if err := m.svc.unread.OnOpen(ctx, m.owner, peer); err != nil {
			m.svc.logger.Warn("unread reset failed", "owner", m.owner, "peer", peer, "error", err)
		}
	}

	return domain.HistoryPayload{PeerID: peer, Peer: profile, Messages: messages}, nil
}

// Close stops rendering for peer. The filter is closed before Close returns;
// sends already in flight still finish storing.
func (m *Manager) Close(peer domain.UserID) error {
	m.mu.Lock()
	v, ok := m.views[peer]
	if ok {
		delete(m.views, peer)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.svc.presence.CloseView(m.owner, m.conn, peer)
	return v.close(m.router)
}

// CloseAll closes every open view, as on disconnect.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := make([]domain.UserID, 0, len(m.views))
	for p := range m.views {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		_ = m.Close(p)
	}
}

// IsOpen reports whether a view on peer is open.
func (m *Manager) IsOpen(peer domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.views[peer]
	return ok
}

// Typing tells the peer the owner is typing. Typing notices are never stored.
func (m *Manager) Typing(ctx context.Context, peer domain.UserID) error {
	if peer == m.owner || peer.IsZero() {
		return domain.NewValidationError("typing", "invalid peer")
	}
	notice := domain.TypingNotice{FromUserID: m.owner, ToUserID: peer, ExpiresAt: m.svc.now().Add(m.svc.cfg.TypingTTL)}
	env, err := domain.NewEnvelope(domain.EnvelopeTyping, notice)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.router.Publish(ctx, channel.ChannelFor(m.owner, peer), data)
}

func (m *Manager) run(v *View) {
	defer close(v.done)
	v.render(m.sink)
	if !v.closing.Load() {
		m.interrupted(v)
	}
}

// interrupted drops a view whose subscription was closed underneath it.
func (m *Manager) interrupted(v *View) {
	m.mu.Lock()
	owned := m.views[v.peer] == v
	if owned {
		delete(m.views, v.peer)
	}
	m.mu.Unlock()
	if !owned {
		return
	}

	v.logger.Warn("conversation feed interrupted", "owner", v.owner, "peer", v.peer, "channel", v.handle.Channel())
	v.filter.Close()
	_ = m.router.Detach(v.handle)
	m.svc.presence.CloseView(m.owner, m.conn, v.peer)
	m.sink.Interrupted(v.peer)
}

func (v *View) render(sink Sink) {
	for msg := range v.handle.Messages() {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			v.logger.Warn("malformed channel frame", "channel", msg.Channel, "error", err)
			continue
		}
		switch env.Type {
		case domain.EnvelopeMessage:
			var m domain.ChatMessage
			if err := env.Decode(&m); err != nil || !m.Involves(v.owner, v.peer) {
				continue
			}
			if !v.filter.Accept(m.MessageID) {
				v.logger.Debug("duplicate suppressed", "message_id", m.MessageID, "owner", v.owner)
				continue
			}
			sink.Message(v.peer, m)
		case domain.EnvelopeTyping:
			var n domain.TypingNotice
			if err := env.Decode(&n); err != nil || n.FromUserID != v.peer {
				continue
			}
			sink.Typing(v.peer, n)
		}
	}
}

func (v *View) close(router Attacher) error {
	v.closing.Store(true)
	v.filter.Close()
	err := router.Detach(v.handle)
	<-v.done
	return err
}
