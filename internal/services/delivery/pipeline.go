// File: internal/services/delivery/pipeline.go
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services/channel"
	"github.com/iyunix/go-smilin/internal/services/events"
	"github.com/iyunix/go-smilin/internal/services/retry"
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

type IdentityResolver interface {
	Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error)
}

type MessageStore interface {
	Create(ctx context.Context, message *domain.ChatMessage) (*domain.ChatMessage, error)
}

type ChannelPublisher interface {
	Publish(ctx context.Context, ch domain.ChannelID, data []byte) error
}

type UnreadNotifier interface {
	OnMessage(ctx context.Context, owner, from domain.UserID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type Config struct {
	MaxTextLength  int
	Publish        retry.Config
	Persist        retry.Config
	PersistTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxTextLength:  domain.DefaultMaxTextLength,
		Publish:        retry.DefaultConfig(),
		Persist:        retry.DefaultConfig(),
		PersistTimeout: 5 * time.Second,
	}
}

// Pipeline sends one message: publish to the conversation channel, then
// store it, then update the recipient's unread counter.
type Pipeline struct {
	cfg       Config
	identity  IdentityResolver
	store     MessageStore
	publisher ChannelPublisher
	unread    UnreadNotifier
	events    EventPublisher
	logger    Logger
	now       func() time.Time
}

func NewPipeline(cfg Config, identity IdentityResolver, store MessageStore, publisher ChannelPublisher, unread UnreadNotifier, eventPublisher EventPublisher, logger Logger) *Pipeline {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = domain.DefaultMaxTextLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		identity:  identity,
		store:     store,
		publisher: publisher,
		unread:    unread,
		events:    eventPublisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type sendOptions struct {
	localEcho func(domain.ChatMessage)
}

type SendOption func(*sendOptions)

// WithLocalEcho hands the published message to fn. Use it when the
// sending connection is not subscribed to the conversation channel.
func WithLocalEcho(fn func(domain.ChatMessage)) SendOption {
	return func(o *sendOptions) { o.localEcho = fn }
}

// Send delivers text from one user to another.
//
// A publish failure returns TRANSPORT_UNAVAILABLE and nothing is stored. A
// storage failure after a successful publish returns the message together
// with a PERSISTENCE_FAILURE error: the peer has it live but it will be
// missing from history. Storage runs detached from ctx cancellation.
func (p *Pipeline) Send(ctx context.Context, from, to domain.UserID, text string, opts ...SendOption) (*domain.ChatMessage, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := domain.ValidateText(text, p.cfg.MaxTextLength); err != nil {
		return nil, domain.NewValidationError("send", err.Error())
	}
	if from == to {
		return nil, domain.NewValidationError("send", "cannot send a message to yourself")
	}

	sender, err := p.identity.Lookup(ctx, from)
	if err != nil {
		return nil, asIdentityError("send", from, err)
	}
	if _, err := p.identity.Lookup(ctx, to); err != nil {
		return nil, asIdentityError("send", to, err)
	}

	msg := domain.ChatMessage{
		MessageID:         domain.NewMessageID(),
		FromUserID:        from,
		ToUserID:          to,
		SenderDisplayName: sender.DisplayName,
		Text:              text,
		CreatedAt:         p.now(),
	}
	if sender.AvatarURL != "" {
		avatar := sender.AvatarURL
		msg.SenderAvatarURL = &avatar
	}

	ch := channel.ChannelFor(from, to)
	if err := p.publish(ctx, ch, msg); err != nil {
		p.logger.Warn("message not sent", "message_id", msg.MessageID, "channel", ch, "error", err)
		return nil, err
	}
	if o.localEcho != nil {
		o.localEcho(msg)
	}

	stored, err := p.persist(ctx, msg)
	if err != nil {
		p.logger.Error("message delivered but not stored", "message_id", msg.MessageID, "channel", ch, "error", err)
		return &msg, err
	}

	p.afterPersist(ctx, stored, ch)
	return stored, nil
}

func (p *Pipeline) publish(ctx context.Context, ch domain.ChannelID, msg domain.ChatMessage) error {
	env, err := domain.NewEnvelope(domain.EnvelopeMessage, msg)
	if err != nil {
		return domain.NewValidationError("send", "message could not be encoded")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return domain.NewValidationError("send", "message could not be encoded")
	}

	err = retry.Do(ctx, p.cfg.Publish, p.logger, "publish_message", func(ctx context.Context) error {
		if err := p.publisher.Publish(ctx, ch, data); err != nil {
			if domain.TypeOf(err) != "" {
				return err
			}
			return domain.NewTransportError("publish", ch, err)
		}
		return nil
	})
	if err != nil && !domain.IsType(err, domain.ErrTypeTransportUnavailable) {
		return domain.NewTransportError("publish", ch, err)
	}
	return err
}

func (p *Pipeline) persist(ctx context.Context, msg domain.ChatMessage) (*domain.ChatMessage, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	// the stored timestamp is assigned here; the live one was provisional
	msg.CreatedAt = p.now()

	var stored *domain.ChatMessage
	err := retry.Do(persistCtx, p.cfg.Persist, p.logger, "persist_message", func(ctx context.Context) error {
		out, err := p.store.Create(ctx, &msg)
		if err != nil {
			return err
		}
		stored = out
		return nil
	})
	if err != nil {
		return nil, domain.NewPersistenceError("persist", "message delivered but not saved", err)
	}
	return stored, nil
}

func (p *Pipeline) afterPersist(ctx context.Context, msg *domain.ChatMessage, ch domain.ChannelID) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	if p.unread != nil {
		if err := p.unread.OnMessage(bg, msg.ToUserID, msg.FromUserID); err != nil {
			p.logger.Warn("unread update failed", "message_id", msg.MessageID, "error", err)
		}
	}

	if p.events == nil {
		return
	}
	payload, err := json.Marshal(events.MessageSent{
		EventID:    uuid.NewString(),
		MessageID:  msg.MessageID,
		FromUserID: string(msg.FromUserID),
		ToUserID:   string(msg.ToUserID),
		ChannelID:  string(ch),
		CreatedAt:  msg.CreatedAt,
		OccurredAt: p.now(),
	})
	if err != nil {
		return
	}
	if err := p.events.Publish(bg, events.EventMessageSent, payload, string(ch)); err != nil {
		p.logger.Warn("message event publish failed", "message_id", msg.MessageID, "error", err)
	}
}

func asIdentityError(op string, id domain.UserID, err error) error {
	if domain.IsType(err, domain.ErrTypeIdentityUnresolved) {
		return err
	}
	return domain.NewIdentityError(op, id, err)
}
