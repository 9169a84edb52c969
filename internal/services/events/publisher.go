// File: internal/services/events/publisher.go
package events

import (
	"context"
	"time"
)

const EventMessageSent = "chat.message_sent"

// Publisher emits domain events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
	Close() error
}

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// MessageSent is published once a message has been stored.
type MessageSent struct {
	EventID    string    `json:"eventId"`
	MessageID  string    `json:"messageId"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	ChannelID  string    `json:"channelId"`
	CreatedAt  time.Time `json:"createdAt"`
	OccurredAt time.Time `json:"occurredAt"`
}

// LoggingPublisher writes events to the log when no broker is configured.
type LoggingPublisher struct {
	logger Logger
}

func NewLoggingPublisher(logger Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.Info("domain event", "event_type", eventType, "partition_key", partitionKey, "bytes", len(payload))
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }
