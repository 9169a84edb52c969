// File: internal/domain/message.go
package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxTextLength caps the size of one message body, in runes.
const DefaultMaxTextLength = 4000

// ChatMessage is one direct message between two users. It is immutable once
// created and is persisted exactly once, keyed by MessageID.
type ChatMessage struct {
	MessageID         string    `json:"messageId" gorm:"primaryKey;size:64"`
	FromUserID        UserID    `json:"fromUserId" gorm:"not null;size:128;index:idx_messages_pair,priority:1"`
	ToUserID          UserID    `json:"toUserId" gorm:"not null;size:128;index:idx_messages_pair,priority:2"`
	SenderDisplayName string    `json:"senderDisplayName" gorm:"size:255"`
	SenderAvatarURL   *string   `json:"senderAvatarUrl,omitempty" gorm:"size:1024"`
	Text              string    `json:"text" gorm:"not null"`
	CreatedAt         time.Time `json:"createdAt" gorm:"not null;index:idx_messages_pair,priority:3"`
}

// TableName keeps the table name stable across refactors of the struct name.
func (ChatMessage) TableName() string { return "chat_messages" }

// Validate checks the fields every stored message must carry.
func (m *ChatMessage) Validate(maxLen int) error {
	if m == nil {
		return errors.New("message cannot be nil")
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return errors.New("message id is required")
	}
	if m.FromUserID.IsZero() || m.ToUserID.IsZero() {
		return errors.New("sender and recipient are required")
	}
	if m.FromUserID == m.ToUserID {
		return errors.New("sender and recipient must differ")
	}
	return ValidateText(m.Text, maxLen)
}

// ValidateText rejects blank bodies and bodies longer than maxLen runes.
func ValidateText(text string, maxLen int) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message text cannot be empty")
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}
	if utf8.RuneCountInString(text) > maxLen {
		return errors.New("message text is too long")
	}
	return nil
}

// Involves reports whether the message belongs to the conversation of a and b.
func (m *ChatMessage) Involves(a, b UserID) bool {
	return (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a)
}
