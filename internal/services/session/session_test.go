package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/ratelimit"
	"github.com/iyunix/go-smilin/internal/repository"
	messagerepo "github.com/iyunix/go-smilin/internal/repository/message"
	unreadrepo "github.com/iyunix/go-smilin/internal/repository/unread"
	userrepo "github.com/iyunix/go-smilin/internal/repository/user"
	"github.com/iyunix/go-smilin/internal/services"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/delivery"
	"github.com/iyunix/go-smilin/internal/services/identity"
	"github.com/iyunix/go-smilin/internal/services/presence"
	"github.com/iyunix/go-smilin/internal/services/retry"
	"github.com/iyunix/go-smilin/internal/services/unread"
	"github.com/iyunix/go-smilin/internal/services/view"
)

type testServer struct {
	hub      *Hub
	registry *presence.MemoryRegistry
	tracker  *presence.Tracker
	messages messagerepo.MessageRepository
	pipeline *delivery.Pipeline
	url      string
}

func newTestServer(t *testing.T, sendLimit *ratelimit.Config) *testServer {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := &services.NoOpLogger{}
	ids := identity.NewService(userrepo.NewGormUserRepository(db, logger), "secret", time.Hour, logger)
	for _, u := range []domain.UserID{"u1", "u2"} {
		if _, _, err := ids.Register(context.Background(), u, "User "+string(u), "", "password1"); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}

	ts := &testServer{tracker: presence.NewTracker(logger), messages: messagerepo.NewMessageRepository(db, logger)}
	ts.registry = presence.NewMemoryRegistry(ts.tracker)
	transport := channel.NewMemoryTransport(logger)
	counter := unread.NewCounter(unreadrepo.NewUnreadRepository(db), ts.tracker, transport, logger)
	fast := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	ts.pipeline = delivery.NewPipeline(delivery.Config{Publish: fast, Persist: fast, PersistTimeout: time.Second},
		ids, ts.messages, transport, counter, nil, logger)

	deps := Deps{
		Registry:  ts.registry,
		Presence:  ts.tracker,
		Transport: transport,
		Views:     view.NewService(view.Config{}, ts.messages, ids, ts.tracker, counter, logger),
		Sender:    ts.pipeline,
		Unread:    counter,
		Logger:    logger,
	}
	if sendLimit != nil {
		limiter := ratelimit.NewMemoryRateLimiter(sendLimit)
		t.Cleanup(limiter.Close)
		deps.SendLimit = limiter
	}
	ts.hub = NewHub(deps)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.hub.Serve(r.Context(), domain.UserID(r.URL.Query().Get("user")), conn)
	}))
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.hub.Shutdown(ctx)
		srv.Close()
		ts.tracker.Close()
		_ = repository.Close(db)
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"/?user="+user, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// the snapshot is the first frame every session gets after registering
	expect(t, conn, domain.EnvelopePresenceSnapshot, nil)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ domain.EnvelopeType, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of type typ arrives whose payload satisfies
// match (nil matches anything).
func expect(t *testing.T, conn *websocket.Conn, typ domain.EnvelopeType, match func(domain.Envelope) bool) domain.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ && (match == nil || match(env)) {
			return env
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func presenceOf(user domain.UserID, action domain.PresenceEventType) func(domain.Envelope) bool {
	return func(env domain.Envelope) bool {
		var ev domain.PresenceEvent
		return env.Decode(&ev) == nil && ev.UserID == user && ev.Type == action
	}
}

func TestOpenSendAndReceive(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "u1")
	bob := ts.dial(t, "u2")

	writeFrame(t, bob, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "u1"})
	hist := expect(t, bob, domain.EnvelopeHistory, nil)
	var payload domain.HistoryPayload
	if err := hist.Decode(&payload); err != nil || payload.PeerID != "u1" || len(payload.Messages) != 0 {
		t.Fatalf("unexpected history %+v (%v)", payload, err)
	}

	writeFrame(t, alice, domain.EnvelopeSend, domain.SendRequest{ToUserID: "u2", Text: "hi", ClientRef: "c1"})

	var echoed domain.ChatMessage
	expect(t, alice, domain.EnvelopeMessage, nil).Decode(&echoed)
	sent := expect(t, alice, domain.EnvelopeSent, nil)
	var ack domain.SentPayload
	if err := sent.Decode(&ack); err != nil || ack.ClientRef != "c1" || ack.Message.MessageID != echoed.MessageID {
		t.Fatalf("unexpected ack %+v (%v)", ack, err)
	}

	var live domain.ChatMessage
	expect(t, bob, domain.EnvelopeMessage, nil).Decode(&live)
	if live.MessageID != echoed.MessageID || live.Text != "hi" || live.SenderDisplayName != "User u1" {
		t.Fatalf("unexpected live message %+v", live)
	}

	stored, err := ts.messages.Query(context.Background(), "u1", "u2", 0)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored message, got %d (%v)", len(stored), err)
	}
}

func TestUnreadPushedToInbox(t *testing.T) {
	ts := newTestServer(t, nil)
	bob := ts.dial(t, "u2")

	if _, err := ts.pipeline.Send(context.Background(), "u1", "u2", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := expect(t, bob, domain.EnvelopeUnread, nil)
	var u domain.UnreadPayload
	if err := env.Decode(&u); err != nil || u.FromUserID != "u1" || u.Count != 1 {
		t.Fatalf("unexpected unread %+v (%v)", u, err)
	}

	// a new connection replays the counters
	other := ts.dial(t, "u2")
	env = expect(t, other, domain.EnvelopeUnread, nil)
	if err := env.Decode(&u); err != nil || u.Count != 1 {
		t.Fatalf("unexpected replayed unread %+v (%v)", u, err)
	}

	writeFrame(t, bob, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "u1"})
	expect(t, other, domain.EnvelopeUnread, func(env domain.Envelope) bool {
		var u domain.UnreadPayload
		return env.Decode(&u) == nil && u.Count == 0
	})
}

func TestPresenceEnterAndCleanLeave(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "u1")
	bob := ts.dial(t, "u2")

	expect(t, alice, domain.EnvelopePresence, presenceOf("u2", domain.PresenceEnter))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := bob.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
	expect(t, alice, domain.EnvelopePresence, presenceOf("u2", domain.PresenceLeave))
	if ts.tracker.IsOnline("u2") {
		t.Fatalf("a clean close should take the user offline right away")
	}
}

func TestAbruptDisconnectWaitsForGrace(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "u1")
	bob := ts.dial(t, "u2")

	_ = bob.UnderlyingConn().Close()
	waitFor(t, "registry to drop u2", func() bool { return ts.registry.Connections("u2") == 0 })
	if !ts.tracker.IsOnline("u2") {
		t.Fatalf("u2 should stay online during the grace period")
	}

	ts.dial(t, "u2")
	waitFor(t, "reconnect", func() bool { return ts.registry.Connections("u2") == 1 })
	if !ts.tracker.IsOnline("u2") {
		t.Fatalf("u2 should be online after reconnecting")
	}
}

func TestClosingOneTabKeepsTheOtherViewing(t *testing.T) {
	ts := newTestServer(t, nil)
	tab1 := ts.dial(t, "u2")
	tab2 := ts.dial(t, "u2")

	writeFrame(t, tab1, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "u1"})
	expect(t, tab1, domain.EnvelopeHistory, nil)
	writeFrame(t, tab2, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "u1"})
	expect(t, tab2, domain.EnvelopeHistory, nil)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := tab2.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "tab2 to unregister", func() bool { return ts.registry.Connections("u2") == 1 })
	if peer, ok := ts.tracker.Viewing("u2"); !ok || peer != "u1" {
		t.Fatalf("tab1 still shows u1, got %q %v", peer, ok)
	}

	if _, err := ts.pipeline.Send(context.Background(), "u1", "u2", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	var live domain.ChatMessage
	expect(t, tab1, domain.EnvelopeMessage, nil).Decode(&live)
	if live.Text != "hi" {
		t.Fatalf("unexpected message %+v", live)
	}
}

func TestOpenUnknownPeerReportsError(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "u1")

	writeFrame(t, alice, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "ghost"})
	var p domain.ProblemPayload
	expect(t, alice, domain.EnvelopeError, nil).Decode(&p)
	if p.Code != domain.ErrTypeIdentityUnresolved || p.PeerID != "ghost" || p.Retryable {
		t.Fatalf("unexpected problem %+v", p)
	}

	// the session keeps serving other conversations
	writeFrame(t, alice, domain.EnvelopeOpen, domain.PeerRequest{PeerID: "u2"})
	expect(t, alice, domain.EnvelopeHistory, nil)
}

func TestSendRateLimited(t *testing.T) {
	ts := newTestServer(t, &ratelimit.Config{WindowSize: time.Minute, MaxAttempts: 1, CleanupPeriod: time.Minute, BanDuration: time.Minute})
	alice := ts.dial(t, "u1")

	writeFrame(t, alice, domain.EnvelopeSend, domain.SendRequest{ToUserID: "u2", Text: "one", ClientRef: "a"})
	expect(t, alice, domain.EnvelopeSent, nil)

	writeFrame(t, alice, domain.EnvelopeSend, domain.SendRequest{ToUserID: "u2", Text: "two", ClientRef: "b"})
	var p domain.ProblemPayload
	expect(t, alice, domain.EnvelopeError, nil).Decode(&p)
	if p.Code != domain.ErrTypeRateLimited || p.ClientRef != "b" {
		t.Fatalf("unexpected problem %+v", p)
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "u1")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var p domain.ProblemPayload
	expect(t, alice, domain.EnvelopeError, nil).Decode(&p)
	if p.Code != domain.ErrTypeValidation {
		t.Fatalf("unexpected problem %+v", p)
	}

	writeFrame(t, alice, "dance", nil)
	expect(t, alice, domain.EnvelopeError, nil).Decode(&p)
	if p.Code != domain.ErrTypeValidation {
		t.Fatalf("unexpected problem %+v", p)
	}
}

func TestShutdownEndsSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "u1")
	waitFor(t, "session", func() bool { return ts.hub.Sessions() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ts.hub.Sessions() != 0 {
		t.Fatalf("sessions should be gone after shutdown")
	}
}
