// File: internal/services/unread/counter.go
package unread

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services/channel"
)

// Store persists the counters.
type Store interface {
	Increment(ctx context.Context, owner, from domain.UserID) (int, error)
	Reset(ctx context.Context, owner, from domain.UserID) error
	ListByOwner(ctx context.Context, owner domain.UserID) ([]domain.UnreadCount, error)
}

// ViewingSource answers which conversation a user is looking at.
type ViewingSource interface {
	Viewing(userID domain.UserID) (domain.UserID, bool)
}

// Publisher pushes envelopes to a user's inbox channel.
type Publisher interface {
	Publish(ctx context.Context, ch domain.ChannelID, data []byte) error
}

type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Counter keeps, per (owner, peer), how many messages the owner has not
// seen. Counters are best effort and never block delivery.
type Counter struct {
	store     Store
	viewing   ViewingSource
	publisher Publisher
	logger    Logger
}

func NewCounter(store Store, viewing ViewingSource, publisher Publisher, logger Logger) *Counter {
	return &Counter{store: store, viewing: viewing, publisher: publisher, logger: logger}
}

// OnMessage counts a message from `from` for `owner`, unless the owner is
// looking at that conversation right now.
func (c *Counter) OnMessage(ctx context.Context, owner, from domain.UserID) error {
	if peer, ok := c.viewing.Viewing(owner); ok && peer == from {
		c.logger.Debug("unread skipped, conversation open", "owner", owner, "from", from)
		return nil
	}
	n, err := c.store.Increment(ctx, owner, from)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	c.push(ctx, owner, from, n)
	return nil
}

// OnOpen clears the counter when the owner opens the conversation.
func (c *Counter) OnOpen(ctx context.Context, owner, peer domain.UserID) error {
	if err := c.store.Reset(ctx, owner, peer); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	c.push(ctx, owner, peer, 0)
	return nil
}

// Counts returns the non-zero counters of owner keyed by peer.
func (c *Counter) Counts(ctx context.Context, owner domain.UserID) (map[domain.UserID]int, error) {
	rows, err := c.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.UserID]int, len(rows))
	for _, r := range rows {
		out[r.FromUserID] = r.Count
	}
	return out, nil
}

func (c *Counter) push(ctx context.Context, owner, from domain.UserID, count int) {
	if c.publisher == nil {
		return
	}
	env, err := domain.NewEnvelope(domain.EnvelopeUnread, domain.UnreadPayload{FromUserID: from, Count: count})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, channel.ChannelForUser(owner), data); err != nil {
		c.logger.Warn("unread push failed", "owner", owner, "from", from, "error", err)
	}
}
