// File: internal/domain/unread.go
package domain

import "time"

// UnreadCount is the number of messages owner has not yet seen from a peer.
type UnreadCount struct {
	OwnerUserID UserID    `json:"ownerUserId" gorm:"primaryKey;size:128"`
	FromUserID  UserID    `json:"fromUserId" gorm:"primaryKey;size:128"`
	Count       int       `json:"count" gorm:"not null;default:0"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (UnreadCount) TableName() string { return "unread_counts" }
