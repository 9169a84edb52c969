// File: internal/services/presence/relay.go
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iyunix/go-smilin/internal/domain"
)

const relayPublishTimeout = 2 * time.Second

// RedisRelay mirrors presence events between nodes over a Redis pub/sub
// channel. Local events are published; events from other nodes are applied
// to the local tracker. Events from this node are skipped on receipt.
type RedisRelay struct {
	client  *redis.Client
	tracker *Tracker
	channel string
	logger  Logger

	// local events waiting for the publisher, in tracker order
	mu    sync.Mutex
	queue []domain.PresenceEvent
	wake  chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisRelay(client *redis.Client, tracker *Tracker, prefix string, logger Logger) *RedisRelay {
	if prefix == "" {
		prefix = "smilin"
	}
	return &RedisRelay{
		client:  client,
		tracker: tracker,
		channel: prefix + ":presence_events:broadcast",
		logger:  logger,
		wake:    make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the relay is subscribed and relaying.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run publishes local events and consumes remote ones until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed before relaying
	if _, err := pubsub.Receive(ctx); err != nil {
		return domain.NewTransportError("presence_relay_subscribe", domain.ChannelID(r.channel), err)
	}

	unsubscribe := r.tracker.Subscribe(r.enqueue)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	defer wg.Wait()

	r.logger.Info("presence relay started", "channel", r.channel, "node", r.tracker.Node())
	r.readyOnce.Do(func() { close(r.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("failed to unmarshal presence event", "error", err)
				continue
			}
			if ev.Node == r.tracker.Node() || ev.UserID.IsZero() {
				continue
			}
			r.tracker.Apply(ev)
		}
	}
}

// enqueue runs on the tracker's dispatcher and must not block on Redis.
func (r *RedisRelay) enqueue(ev domain.PresenceEvent) {
	if ev.Node != r.tracker.Node() {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, ev := range batch {
			r.publish(ctx, ev)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, ev domain.PresenceEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal presence event", "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("presence event publish failed", "user_id", ev.UserID, "type", ev.Type, "error", err)
	}
}
