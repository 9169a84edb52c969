// File: internal/domain/ids.go
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// UserID is the stable identifier handed out by the identity resolver.
type UserID string

func (id UserID) String() string { return string(id) }
func (id UserID) IsZero() bool   { return strings.TrimSpace(string(id)) == "" }

// ConnectionID identifies one live client connection (one browser tab).
type ConnectionID string

// NewConnectionID returns a random connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

func (id ConnectionID) String() string { return string(id) }

// ConnectionHandle ties a connection to its user. The two ids always travel
// as separate fields; nothing parses one out of the other.
type ConnectionHandle struct {
	UserID       UserID       `json:"userId"`
	ConnectionID ConnectionID `json:"connectionId"`
}

// NewConnectionHandle creates a handle with a fresh connection id.
func NewConnectionHandle(userID UserID) ConnectionHandle {
	return ConnectionHandle{UserID: userID, ConnectionID: NewConnectionID()}
}

func (h ConnectionHandle) IsZero() bool {
	return h.UserID.IsZero() || h.ConnectionID == ""
}

// ChannelID is a named pub/sub address. Conversation channels are derived
// from the user pair and never stored.
type ChannelID string

func (c ChannelID) String() string { return string(c) }

// NewMessageID returns a random 128-bit (v4) identifier for a chat message.
func NewMessageID() string {
	return uuid.NewString()
}
