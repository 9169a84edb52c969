// File: internal/services/channel/router.go
package channel

import (
	"context"
	"sync"

	"github.com/iyunix/go-smilin/internal/domain"
)

// Handle is one attachment of a router to a channel.
type Handle struct {
	channel domain.ChannelID
	sub     Subscription
}

func (h *Handle) Channel() domain.ChannelID { return h.channel }

// Messages yields the channel's messages until the handle is detached.
func (h *Handle) Messages() <-chan Message { return h.sub.C() }

type routerEntry struct {
	mu     sync.Mutex
	handle *Handle
	dead   bool
}

// Router attaches one client connection to channels. Attach is idempotent:
// while a channel is attached, further calls return the same handle.
// Transport I/O happens under the channel's own lock only.
type Router struct {
	transport Transport
	logger    Logger

	mu      sync.Mutex
	entries map[domain.ChannelID]*routerEntry
	closed  bool
}

func NewRouter(transport Transport, logger Logger) *Router {
	return &Router{
		transport: transport,
		logger:    logger,
		entries:   make(map[domain.ChannelID]*routerEntry),
	}
}

func (r *Router) entry(ch domain.ChannelID) (*routerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.NewTransportError("attach", ch, errRouterClosed)
	}
	e, ok := r.entries[ch]
	if !ok {
		e = &routerEntry{}
		r.entries[ch] = e
	}
	return e, nil
}

// Attach subscribes to ch unless already attached. It does not retry; a
// failed subscription returns a TRANSPORT_UNAVAILABLE error.
func (r *Router) Attach(ctx context.Context, ch domain.ChannelID) (*Handle, error) {
	for {
		e, err := r.entry(ch)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.dead {
			// detached and removed while we waited; look up again
			e.mu.Unlock()
			continue
		}
		if e.handle != nil {
			h := e.handle
			e.mu.Unlock()
			return h, nil
		}

		sub, err := r.transport.Subscribe(ctx, ch)
		if err != nil {
			e.dead = true
			r.forget(ch, e)
			e.mu.Unlock()
			if r.logger != nil {
				r.logger.Warn("channel attach failed", "channel", ch, "error", err)
			}
			return nil, domain.NewTransportError("attach", ch, err)
		}
		e.handle = &Handle{channel: ch, sub: sub}
		h := e.handle
		e.mu.Unlock()
		return h, nil
	}
}

// Detach releases the handle's subscription. Detaching a handle that is no
// longer attached does nothing.
func (r *Router) Detach(h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	e, ok := r.entries[h.channel]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.handle != h {
		return nil
	}
	e.handle = nil
	e.dead = true
	r.forget(h.channel, e)
	return h.sub.Close()
}

// Attached reports whether ch currently has a live handle.
func (r *Router) Attached(ch domain.ChannelID) bool {
	r.mu.Lock()
	e, ok := r.entries[ch]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

// Publish sends data on ch through the router's transport.
func (r *Router) Publish(ctx context.Context, ch domain.ChannelID, data []byte) error {
	if err := r.transport.Publish(ctx, ch, data); err != nil {
		return domain.NewTransportError("publish", ch, err)
	}
	return nil
}

// Close detaches every channel. Later attaches fail.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*routerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	// lock order is entry then router
	for _, e := range entries {
		e.mu.Lock()
		h := e.handle
		e.mu.Unlock()
		if h != nil {
			_ = r.Detach(h)
		}
	}
}

func (r *Router) forget(ch domain.ChannelID, e *routerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[ch] == e {
		delete(r.entries, ch)
	}
}
