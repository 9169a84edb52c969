// File: internal/domain/envelope.go
package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeType names the frames exchanged with clients and over channels.
type EnvelopeType string

const (
	// client -> server
	EnvelopeOpen   EnvelopeType = "open"
	EnvelopeClose  EnvelopeType = "close"
	EnvelopeSend   EnvelopeType = "send"
	EnvelopeTyping EnvelopeType = "typing"

	// server -> client
	EnvelopeMessage          EnvelopeType = "message"
	EnvelopeHistory          EnvelopeType = "history"
	EnvelopePresence         EnvelopeType = "presence"
	EnvelopePresenceSnapshot EnvelopeType = "presence_snapshot"
	EnvelopeUnread           EnvelopeType = "unread"
	EnvelopeSent             EnvelopeType = "sent"
	EnvelopeWarning          EnvelopeType = "warning"
	EnvelopeError            EnvelopeType = "error"
)

// Envelope is the JSON frame used on websockets and on pub/sub channels.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EnvelopeType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// PeerRequest is the payload of open/close/typing frames.
type PeerRequest struct {
	PeerID UserID `json:"peerId"`
}

// SendRequest is the payload of a send frame.
type SendRequest struct {
	ToUserID UserID `json:"toUserId"`
	Text     string `json:"text"`
	// ClientRef lets the client correlate the sent/warning/error reply.
	ClientRef string `json:"clientRef,omitempty"`
}

// TypingNotice is relayed on a conversation channel and never stored.
type TypingNotice struct {
	FromUserID UserID    `json:"fromUserId"`
	ToUserID   UserID    `json:"toUserId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// HistoryPayload answers an open frame.
type HistoryPayload struct {
	PeerID   UserID        `json:"peerId"`
	Peer     Profile       `json:"peer"`
	Messages []ChatMessage `json:"messages"`
}

// UnreadPayload carries the new unread count for one peer.
type UnreadPayload struct {
	FromUserID UserID `json:"fromUserId"`
	Count      int    `json:"count"`
}

// SnapshotPayload lists everyone online when a connection starts.
type SnapshotPayload struct {
	Users []PresenceRecord `json:"users"`
}

// SentPayload acknowledges a send frame.
type SentPayload struct {
	ClientRef string      `json:"clientRef,omitempty"`
	Message   ChatMessage `json:"message"`
}

// ProblemPayload is carried by warning and error frames.
type ProblemPayload struct {
	ClientRef string    `json:"clientRef,omitempty"`
	Code      ErrorType `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	MessageID string    `json:"messageId,omitempty"`
	PeerID    UserID    `json:"peerId,omitempty"`
}
