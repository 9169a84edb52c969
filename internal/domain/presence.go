// File: internal/domain/presence.go
package domain

import "time"

type PresenceEventType string

const (
	PresenceEnter  PresenceEventType = "enter"
	PresenceUpdate PresenceEventType = "update"
	PresenceLeave  PresenceEventType = "leave"
)

// PresenceEvent is broadcast on every connectivity transition (enter/leave)
// and on every change of the conversation a user is looking at (update).
type PresenceEvent struct {
	Type        PresenceEventType `json:"action"`
	UserID      UserID            `json:"userId"`
	ViewingPeer UserID            `json:"viewingPeerId,omitempty"`
	At          time.Time         `json:"at"`
	// Node names the server that generated the event.
	Node string `json:"node,omitempty"`
}

// PresenceRecord is what the tracker knows about one online user. The set of
// connection handles lives in the session registry.
type PresenceRecord struct {
	UserID      UserID    `json:"userId"`
	CurrentPeer UserID    `json:"viewingPeerId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}
