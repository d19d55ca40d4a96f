package models

import (
	"time"
)

// PresenceStatus is a user's coarse availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is a user's presence document. Each user owns the document for
// their own id; other clients only ever observe it.
type Presence struct {
	UserID   string          `json:"user_id"`
	Status   PresenceStatus  `json:"status"`
	LastSeen time.Time       `json:"last_seen"`
	Typing   map[string]bool `json:"typing,omitempty"`
}
