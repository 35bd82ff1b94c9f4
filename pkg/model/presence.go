package model

import "time"

// PresenceStatus is a user's online flag plus last-seen timestamp.
// Online is true iff a live connection is registered for the user.
type PresenceStatus struct {
	UserID     string     `json:"user_id"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}
