// File: internal/services/channel/redis_transport.go
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iyunix/go-smilin/internal/domain"
)

// RedisTransport carries channels over Redis pub/sub so that connections on
// different nodes share conversation and inbox channels.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger Logger
}

func NewRedisTransport(client *redis.Client, prefix string, logger Logger) *RedisTransport {
	if prefix == "" {
		prefix = "smilin"
	}
	return &RedisTransport{client: client, prefix: prefix, logger: logger}
}

func (t *RedisTransport) key(ch domain.ChannelID) string {
	return t.prefix + ":chan:" + string(ch)
}

func (t *RedisTransport) Subscribe(ctx context.Context, ch domain.ChannelID) (Subscription, error) {
	// the pubsub outlives the attach call, only its setup honours ctx
	pubsub := t.client.Subscribe(context.WithoutCancel(ctx), t.key(ch))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub:  pubsub,
		channel: ch,
		out:     make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	go sub.pump(t.logger)
	return sub, nil
}

func (t *RedisTransport) Publish(ctx context.Context, ch domain.ChannelID, data []byte) error {
	return t.client.Publish(ctx, t.key(ch), data).Err()
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	channel domain.ChannelID
	out     chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) C() <-chan Message { return s.out }

// pump gives up on a consumer that stops reading for sendTimeout, well
// before go-redis would start dropping frames on its own.
func (s *redisSubscription) pump(logger Logger) {
	defer close(s.out)
	in := s.pubsub.Channel(redis.WithChannelSize(subscriptionBuffer))
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			timer := time.NewTimer(sendTimeout)
			select {
			case s.out <- Message{Channel: s.channel, Data: []byte(msg.Payload)}:
				timer.Stop()
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
				if logger != nil {
					logger.Warn("subscriber too slow, subscription closed", "channel", s.channel)
				}
				s.once.Do(func() {
					close(s.done)
					_ = s.pubsub.Close()
				})
				return
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
