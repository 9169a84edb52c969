// File: internal/services/session/session.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/delivery"
	"github.com/iyunix/go-smilin/internal/services/view"
)

const codeInternal domain.ErrorType = "INTERNAL"

// Session is one websocket connection of a user (one browser tab).
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	hub    *Hub
	handle domain.ConnectionHandle
	conn   *websocket.Conn
	router *channel.Router
	views  *view.Manager
	logger Logger

	egress  chan domain.Envelope
	inbound chan domain.Envelope

	// set once the client is gone and cleanup has started
	closing atomic.Bool
}

func newSession(ctx context.Context, cancel context.CancelFunc, h *Hub, handle domain.ConnectionHandle, conn *websocket.Conn) *Session {
	s := &Session{
		ctx:     ctx,
		cancel:  cancel,
		hub:     h,
		handle:  handle,
		conn:    conn,
		router:  channel.NewRouter(h.deps.Transport, h.deps.Logger),
		logger:  h.deps.Logger,
		egress:  make(chan domain.Envelope, sendBufSize),
		inbound: make(chan domain.Envelope, inboundBufSize),
	}
	s.views = h.deps.Views.NewManager(handle, s.router, s)
	return s
}

func (s *Session) user() domain.UserID { return s.handle.UserID }

func (s *Session) run() {
	d := s.hub.deps
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go s.writePump(writerDone)

	unsubscribe := d.Presence.Subscribe(s.onPresence)
	if err := d.Registry.Register(s.ctx, s.handle); err != nil {
		s.logger.Error("session registration failed", "user_id", s.user(), "connection_id", s.handle.ConnectionID, "error", err)
		s.problem(domain.EnvelopeError, domain.ProblemPayload{}, err)
		unsubscribe()
		s.cancel()
		<-writerDone
		return
	}
	s.logger.Info("session opened", "user_id", s.user(), "connection_id", s.handle.ConnectionID)

	s.start()

	inboundDone := make(chan struct{})
	go s.process(inboundDone)

	abrupt := s.readPump()
	s.closing.Store(true)
	close(s.inbound)
	<-inboundDone

	s.views.CloseAll()
	s.router.Close()
	unsubscribe()

	cctx, ccancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
	defer ccancel()
	var err error
	if abrupt {
		err = d.Registry.Drop(cctx, s.handle)
	} else {
		err = d.Registry.Unregister(cctx, s.handle)
	}
	if err != nil {
		s.logger.Warn("session unregister failed", "user_id", s.user(), "connection_id", s.handle.ConnectionID, "error", err)
	}

	s.cancel()
	<-writerDone
	s.logger.Info("session closed", "user_id", s.user(), "connection_id", s.handle.ConnectionID, "abrupt", abrupt)
}

// start sends the presence snapshot, attaches the inbox and replays the
// unread counters.
func (s *Session) start() {
	d := s.hub.deps
	records := d.Presence.Snapshot()
	if records == nil {
		records = []domain.PresenceRecord{}
	}
	s.emit(domain.EnvelopePresenceSnapshot, domain.SnapshotPayload{Users: records})

	inbox, err := s.router.Attach(s.ctx, channel.ChannelForUser(s.user()))
	if err != nil {
		s.logger.Warn("inbox attach failed", "user_id", s.user(), "error", err)
		s.problem(domain.EnvelopeWarning, domain.ProblemPayload{}, err)
	} else {
		go s.forwardInbox(inbox)
	}

	if d.Unread == nil {
		return
	}
	counts, err := d.Unread.Counts(s.ctx, s.user())
	if err != nil {
		s.logger.Warn("unread counts unavailable", "user_id", s.user(), "error", err)
		return
	}
	peers := make([]domain.UserID, 0, len(counts))
	for p := range counts {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		s.emit(domain.EnvelopeUnread, domain.UnreadPayload{FromUserID: p, Count: counts[p]})
	}
}

func (s *Session) forwardInbox(h *channel.Handle) {
	for msg := range h.Messages() {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			s.logger.Warn("malformed inbox frame", "user_id", s.user(), "error", err)
			continue
		}
		if env.Type != domain.EnvelopeUnread {
			continue
		}
		s.send(env)
	}
	if !s.closing.Load() && s.ctx.Err() == nil {
		// unread updates were lost; a reconnect replays the counters
		s.logger.Warn("inbox feed interrupted, dropping connection", "user_id", s.user(), "connection_id", s.handle.ConnectionID)
		s.cancel()
	}
}

// readPump returns true when the connection ended without a close frame.
func (s *Session) readPump() bool {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return false
			}
			if s.ctx.Err() == nil {
				s.logger.Debug("websocket read failed", "user_id", s.user(), "connection_id", s.handle.ConnectionID, "error", err)
			}
			return true
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.problem(domain.EnvelopeError, domain.ProblemPayload{}, domain.NewValidationError("read", "malformed frame"))
			continue
		}

		select {
		case s.inbound <- env:
		case <-time.After(inboundSendTimeout):
			s.logger.Warn("inbound queue full, dropping connection", "user_id", s.user(), "connection_id", s.handle.ConnectionID)
			s.cancel()
			return true
		case <-s.ctx.Done():
			return true
		}
	}
}

func (s *Session) process(done chan struct{}) {
	defer close(done)
	for env := range s.inbound {
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env domain.Envelope) {
	switch env.Type {
	case domain.EnvelopeOpen:
		var req domain.PeerRequest
		if err := env.Decode(&req); err != nil || req.PeerID.IsZero() {
			s.problem(domain.EnvelopeError, domain.ProblemPayload{}, domain.NewValidationError("open", "peerId is required"))
			return
		}
		hist, err := s.views.Open(s.ctx, req.PeerID)
		if err != nil {
			s.problem(domain.EnvelopeError, domain.ProblemPayload{PeerID: req.PeerID}, err)
			return
		}
		s.emit(domain.EnvelopeHistory, hist)

	case domain.EnvelopeClose:
		var req domain.PeerRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		if err := s.views.Close(req.PeerID); err != nil {
			s.logger.Warn("view close failed", "user_id", s.user(), "peer_id", req.PeerID, "error", err)
		}

	case domain.EnvelopeSend:
		var req domain.SendRequest
		if err := env.Decode(&req); err != nil {
			s.problem(domain.EnvelopeError, domain.ProblemPayload{}, domain.NewValidationError("send", "malformed send frame"))
			return
		}
		s.handleSend(req)

	case domain.EnvelopeTyping:
		var req domain.PeerRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		if l := s.hub.deps.TypeLimit; l != nil {
			if ok, _ := l.Allow(string(s.user())); !ok {
				return
			}
		}
		if err := s.views.Typing(s.ctx, req.PeerID); err != nil {
			s.logger.Debug("typing notice dropped", "user_id", s.user(), "peer_id", req.PeerID, "error", err)
		}

	default:
		s.problem(domain.EnvelopeError, domain.ProblemPayload{}, domain.NewValidationError("dispatch", "unknown frame type "+string(env.Type)))
	}
}

func (s *Session) handleSend(req domain.SendRequest) {
	base := domain.ProblemPayload{ClientRef: req.ClientRef, PeerID: req.ToUserID}
	if l := s.hub.deps.SendLimit; l != nil {
		if ok, _ := l.Allow(string(s.user())); !ok {
			s.problem(domain.EnvelopeError, base, domain.NewRateLimitError("send", s.user()))
			return
		}
	}

	var opts []delivery.SendOption
	if !s.views.IsOpen(req.ToUserID) {
		opts = append(opts, delivery.WithLocalEcho(func(m domain.ChatMessage) {
			s.emit(domain.EnvelopeMessage, m)
		}))
	}

	msg, err := s.hub.deps.Sender.Send(s.ctx, s.user(), req.ToUserID, req.Text, opts...)
	switch {
	case err == nil:
		s.emit(domain.EnvelopeSent, domain.SentPayload{ClientRef: req.ClientRef, Message: *msg})
	case msg != nil && domain.IsType(err, domain.ErrTypePersistenceFailure):
		base.MessageID = msg.MessageID
		s.problem(domain.EnvelopeWarning, base, err)
	default:
		s.problem(domain.EnvelopeError, base, err)
	}
}

// Message renders a live message of an open view.
func (s *Session) Message(_ domain.UserID, msg domain.ChatMessage) {
	s.emit(domain.EnvelopeMessage, msg)
}

// Typing renders a peer's typing notice.
func (s *Session) Typing(_ domain.UserID, notice domain.TypingNotice) {
	s.emit(domain.EnvelopeTyping, notice)
}

// Interrupted reopens a view whose live feed was cut and sends the reloaded
// history, which the client renders in place of what it had.
func (s *Session) Interrupted(peer domain.UserID) {
	if s.closing.Load() || s.ctx.Err() != nil {
		return
	}
	hist, err := s.views.Open(s.ctx, peer)
	if err != nil {
		s.problem(domain.EnvelopeError, domain.ProblemPayload{PeerID: peer}, err)
		return
	}
	if s.closing.Load() {
		// the session began closing while the view reopened
		_ = s.views.Close(peer)
		return
	}
	s.emit(domain.EnvelopeHistory, hist)
}

func (s *Session) onPresence(ev domain.PresenceEvent) {
	env, err := domain.NewEnvelope(domain.EnvelopePresence, ev)
	if err != nil {
		return
	}
	select {
	case s.egress <- env:
	case <-s.ctx.Done():
	default:
		// the tracker's dispatcher must not wait on a slow client
		s.logger.Warn("egress full, dropping connection", "user_id", s.user(), "connection_id", s.handle.ConnectionID)
		s.cancel()
	}
}

func (s *Session) problem(t domain.EnvelopeType, p domain.ProblemPayload, err error) {
	var ce *domain.ChatError
	if errors.As(err, &ce) {
		p.Code = ce.Type
		p.Message = ce.Message
		p.Retryable = ce.Retryable()
		if p.PeerID.IsZero() {
			p.PeerID = ce.UserID
		}
	} else {
		s.logger.Error("unexpected session error", "user_id", s.user(), "error", err)
		p.Code = codeInternal
		p.Message = "internal error"
	}
	s.emit(t, p)
}

func (s *Session) emit(t domain.EnvelopeType, payload any) {
	env, err := domain.NewEnvelope(t, payload)
	if err != nil {
		s.logger.Error("envelope encoding failed", "type", t, "error", err)
		return
	}
	s.send(env)
}

func (s *Session) send(env domain.Envelope) bool {
	select {
	case s.egress <- env:
		return true
	case <-s.ctx.Done():
		return false
	case <-time.After(sendTimeout):
		s.logger.Warn("egress full, dropping connection", "user_id", s.user(), "connection_id", s.handle.ConnectionID)
		s.cancel()
		return false
	}
}

func (s *Session) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(done)
	}()

	for {
		select {
		case env := <-s.egress:
			if err := s.write(env); err != nil {
				s.logger.Debug("websocket write failed", "user_id", s.user(), "error", err)
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			s.flush()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case env := <-s.egress:
			if err := s.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(env domain.Envelope) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}
