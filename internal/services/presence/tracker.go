// File: internal/services/presence/tracker.go
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
)

const (
	DefaultGracePeriod = 10 * time.Second
	MinGracePeriod     = 5 * time.Second
	MaxGracePeriod     = 15 * time.Second
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Timer is the part of *time.Timer the tracker needs.
type Timer interface {
	Stop() bool
}

// Clock lets tests drive the grace period by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type openView struct {
	conn domain.ConnectionID
	peer domain.UserID
}

type userState struct {
	record       domain.PresenceRecord
	origin       string
	pendingLeave Timer
	pendingGen   uint64
	// conversations open on this node, most recent last
	views []openView
}

type trackerShard struct {
	mu    sync.Mutex
	users map[domain.UserID]*userState
	gen   uint64

	// events waiting for this shard's dispatcher, in generation order
	queue []domain.PresenceEvent
	wake  chan struct{}
}

type subscription struct {
	id uint64
	fn func(domain.PresenceEvent)
}

// Tracker holds the online state and viewing peer of every known user and
// broadcasts enter/update/leave events. Events about one user reach every
// subscriber in the order they were generated.
type Tracker struct {
	shards [shardCount]*trackerShard
	grace  time.Duration
	clock  Clock
	node   string
	logger Logger

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type TrackerOption func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(c Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithGracePeriod sets how long an abrupt disconnect waits before the user
// is reported offline. Values outside 5s..15s are clamped.
func WithGracePeriod(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.grace = ClampGrace(d) }
}

// WithNode stamps locally generated events with the node name.
func WithNode(node string) TrackerOption {
	return func(t *Tracker) { t.node = node }
}

func ClampGrace(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultGracePeriod
	case d < MinGracePeriod:
		return MinGracePeriod
	case d > MaxGracePeriod:
		return MaxGracePeriod
	default:
		return d
	}
}

func NewTracker(logger Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		grace:  DefaultGracePeriod,
		clock:  systemClock{},
		logger: logger,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		sh := &trackerShard{
			users: make(map[domain.UserID]*userState),
			wake:  make(chan struct{}, 1),
		}
		t.shards[i] = sh
		t.wg.Add(1)
		go t.dispatch(sh)
	}
	return t
}

func (t *Tracker) shard(userID domain.UserID) *trackerShard {
	return t.shards[shardFor(string(userID))]
}

// Node returns the node name stamped on local events.
func (t *Tracker) Node() string { return t.node }

// GracePeriod returns the effective grace period.
func (t *Tracker) GracePeriod() time.Duration { return t.grace }

// Enter marks the user online. An Enter during a pending grace period
// cancels the pending leave and emits nothing.
func (t *Tracker) Enter(userID domain.UserID) {
	t.enter(userID, t.node)
}

func (t *Tracker) enter(userID domain.UserID, node string) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok := sh.users[userID]; ok {
		if st.pendingLeave != nil {
			st.pendingLeave.Stop()
			st.pendingLeave = nil
			st.pendingGen = 0
			t.debug("presence flap suppressed", "user_id", userID)
		}
		if st.origin == node {
			return
		}
		// The user moved between nodes. Re-announce so the previous node
		// drops any pending leave of its own.
		st.origin = node
		t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceEnter, UserID: userID, ViewingPeer: st.record.CurrentPeer, At: t.clock.Now(), Node: node})
		return
	}

	now := t.clock.Now()
	sh.users[userID] = &userState{record: domain.PresenceRecord{UserID: userID, LastUpdated: now}, origin: node}
	t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceEnter, UserID: userID, At: now, Node: node})
}

// Leave marks the user offline right away.
func (t *Tracker) Leave(userID domain.UserID) {
	t.leave(userID, t.node)
}

func (t *Tracker) leave(userID domain.UserID, node string) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		return
	}
	if node != t.node && st.origin != node {
		// stale leave from a node that no longer owns the user
		return
	}
	if node == t.node {
		t.claimLocked(sh, st)
	}
	if st.pendingLeave != nil {
		st.pendingLeave.Stop()
	}
	delete(sh.users, userID)
	t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceLeave, UserID: userID, At: t.clock.Now(), Node: node})
}

// Disconnect schedules a leave after the grace period. The user stays
// online until it fires.
func (t *Tracker) Disconnect(userID domain.UserID) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok || st.pendingLeave != nil {
		return
	}
	t.claimLocked(sh, st)
	sh.gen++
	gen := sh.gen
	st.pendingGen = gen
	st.pendingLeave = t.clock.AfterFunc(t.grace, func() { t.expire(userID, gen) })
}

// claimLocked makes this node the owner of a user another node announced,
// so that the leave this node is about to emit is accepted everywhere. This
// happens when the last handle ends here, or when a dead node's handles are
// reaped.
func (t *Tracker) claimLocked(sh *trackerShard, st *userState) {
	if st.origin == t.node {
		return
	}
	st.origin = t.node
	t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceEnter, UserID: st.record.UserID, ViewingPeer: st.record.CurrentPeer, At: t.clock.Now(), Node: t.node})
}

func (t *Tracker) expire(userID domain.UserID, gen uint64) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok || st.pendingLeave == nil || st.pendingGen != gen {
		return
	}
	delete(sh.users, userID)
	t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceLeave, UserID: userID, At: t.clock.Now(), Node: t.node})
}

// SetViewing records the conversation the user is looking at. An empty peer
// clears it. Only changes produce an update event; unknown users are ignored.
func (t *Tracker) SetViewing(userID, peer domain.UserID) {
	t.setViewing(userID, peer, t.node)
}

func (t *Tracker) setViewing(userID, peer domain.UserID, node string) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		return
	}
	t.setPeerLocked(sh, st, peer, node)
}

// OpenView records that connection conn of the user opened the conversation
// with peer. The most recently opened conversation becomes the viewing peer.
func (t *Tracker) OpenView(userID domain.UserID, conn domain.ConnectionID, peer domain.UserID) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok || peer.IsZero() {
		return
	}
	st.views = removeView(st.views, conn, peer)
	st.views = append(st.views, openView{conn: conn, peer: peer})
	t.setPeerLocked(sh, st, peer, t.node)
}

// CloseView forgets one open conversation of a connection. The viewing peer
// falls back to the most recent conversation still open on any of the
// user's connections, and is cleared only when none is left.
func (t *Tracker) CloseView(userID domain.UserID, conn domain.ConnectionID, peer domain.UserID) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		return
	}
	before := len(st.views)
	st.views = removeView(st.views, conn, peer)
	if len(st.views) == before {
		return
	}
	if n := len(st.views); n > 0 {
		t.setPeerLocked(sh, st, st.views[n-1].peer, t.node)
		return
	}
	if st.record.CurrentPeer == peer {
		t.setPeerLocked(sh, st, "", t.node)
	}
}

func removeView(views []openView, conn domain.ConnectionID, peer domain.UserID) []openView {
	out := views[:0]
	for _, v := range views {
		if v.conn != conn || v.peer != peer {
			out = append(out, v)
		}
	}
	return out
}

func (t *Tracker) setPeerLocked(sh *trackerShard, st *userState, peer domain.UserID, node string) {
	if st.record.CurrentPeer == peer {
		return
	}
	now := t.clock.Now()
	st.record.CurrentPeer = peer
	st.record.LastUpdated = now
	t.emitLocked(sh, domain.PresenceEvent{Type: domain.PresenceUpdate, UserID: st.record.UserID, ViewingPeer: peer, At: now, Node: node})
}

// Viewing returns the peer the user currently looks at.
func (t *Tracker) Viewing(userID domain.UserID) (domain.UserID, bool) {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok || st.record.CurrentPeer == "" {
		return "", false
	}
	return st.record.CurrentPeer, true
}

// IsOnline reports whether the tracker considers the user online, including
// users inside their grace period.
func (t *Tracker) IsOnline(userID domain.UserID) bool {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.users[userID]
	return ok
}

// Snapshot returns every online user ordered by id.
func (t *Tracker) Snapshot() []domain.PresenceRecord {
	var out []domain.PresenceRecord
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, st := range sh.users {
			out = append(out, st.record)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Apply replays an event generated on another node.
func (t *Tracker) Apply(ev domain.PresenceEvent) {
	switch ev.Type {
	case domain.PresenceEnter:
		t.enter(ev.UserID, ev.Node)
	case domain.PresenceLeave:
		t.leave(ev.UserID, ev.Node)
	case domain.PresenceUpdate:
		t.setViewing(ev.UserID, ev.ViewingPeer, ev.Node)
	}
}

// Online implements TransitionListener.
func (t *Tracker) Online(userID domain.UserID) { t.Enter(userID) }

// Offline implements TransitionListener.
func (t *Tracker) Offline(userID domain.UserID, abrupt bool) {
	if abrupt {
		t.Disconnect(userID)
		return
	}
	t.Leave(userID)
}

// Subscribe registers fn for every future event. fn runs on a dispatcher
// goroutine and must not block for long.
func (t *Tracker) Subscribe(fn func(domain.PresenceEvent)) (unsubscribe func()) {
	t.subMu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscription{id: id, fn: fn})
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			defer t.subMu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close stops the dispatchers and cancels pending leaves.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		for _, sh := range t.shards {
			sh.mu.Lock()
			for _, st := range sh.users {
				if st.pendingLeave != nil {
					st.pendingLeave.Stop()
				}
			}
			sh.mu.Unlock()
		}
		close(t.stop)
	})
	t.wg.Wait()
}

func (t *Tracker) emitLocked(sh *trackerShard, ev domain.PresenceEvent) {
	sh.queue = append(sh.queue, ev)
	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) dispatch(sh *trackerShard) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case <-sh.wake:
		}

		sh.mu.Lock()
		batch := sh.queue
		sh.queue = nil
		sh.mu.Unlock()

		for _, ev := range batch {
			t.deliver(ev)
		}
	}
}

func (t *Tracker) deliver(ev domain.PresenceEvent) {
	t.subMu.RLock()
	subs := make([]subscription, len(t.subs))
	copy(subs, t.subs)
	t.subMu.RUnlock()

	for _, s := range subs {
		t.safeCall(s.fn, ev)
	}
}

func (t *Tracker) safeCall(fn func(domain.PresenceEvent), ev domain.PresenceEvent) {
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("presence subscriber panicked", "user_id", ev.UserID, "panic", r)
		}
	}()
	fn(ev)
}

func (t *Tracker) debug(msg string, kv ...interface{}) {
	if t.logger != nil {
		t.logger.Debug(msg, kv...)
	}
}
