// File: internal/services/channel/transport.go
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
)

var (
	subscriptionBuffer = 256
	sendTimeout        = 2 * time.Second
)

// Message is one payload received on a channel.
type Message struct {
	Channel domain.ChannelID
	Data    []byte
}

// Subscription delivers the messages of one channel in publish order. C is
// closed after Close, and also when the transport gives up on a consumer
// that stopped reading; messages are never skipped silently.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Transport is the pub/sub fabric behind conversation and inbox channels.
type Transport interface {
	Subscribe(ctx context.Context, ch domain.ChannelID) (Subscription, error)
	Publish(ctx context.Context, ch domain.ChannelID, data []byte) error
}

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// MemoryTransport is an in-process Transport for single-node deployments.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[domain.ChannelID]map[*memorySubscription]struct{}
	logger Logger
}

func NewMemoryTransport(logger Logger) *MemoryTransport {
	return &MemoryTransport{
		subs:   make(map[domain.ChannelID]map[*memorySubscription]struct{}),
		logger: logger,
	}
}

func (t *MemoryTransport) Subscribe(_ context.Context, ch domain.ChannelID) (Subscription, error) {
	sub := &memorySubscription{
		transport: t,
		channel:   ch,
		out:       make(chan Message, subscriptionBuffer),
	}
	t.mu.Lock()
	set, ok := t.subs[ch]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		t.subs[ch] = set
	}
	set[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

func (t *MemoryTransport) Publish(_ context.Context, ch domain.ChannelID, data []byte) error {
	t.mu.RLock()
	targets := make([]*memorySubscription, 0, len(t.subs[ch]))
	for s := range t.subs[ch] {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		if !s.deliver(Message{Channel: ch, Data: data}) {
			t.remove(s)
			if t.logger != nil {
				t.logger.Warn("subscriber too slow, subscription closed", "channel", ch)
			}
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on ch.
func (t *MemoryTransport) Subscribers(ch domain.ChannelID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[ch])
}

func (t *MemoryTransport) remove(s *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(t.subs, s.channel)
		}
	}
}

type memorySubscription struct {
	transport *MemoryTransport
	channel   domain.ChannelID

	mu     sync.Mutex
	closed bool
	out    chan Message
}

func (s *memorySubscription) C() <-chan Message { return s.out }

// deliver hands m to the consumer. When the buffer stays full for
// sendTimeout the subscription is closed and deliver returns false.
func (s *memorySubscription) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- m:
		return true
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case s.out <- m:
		return true
	case <-timer.C:
		s.closed = true
		close(s.out)
		return false
	}
}

func (s *memorySubscription) Close() error {
	s.transport.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
