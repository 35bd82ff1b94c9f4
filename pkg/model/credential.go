package model

import "time"

// Credential is a server-issued session token record. The signed token the
// client holds references this row by ID; revocation flips Active off.
// Independent of any realtime connection.
type Credential struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsExpired returns true if the credential has passed its expiry.
func (c *Credential) IsExpired() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// PushDestination is a stored external push token for a user. Absence simply
// means the user never completed push opt-in.
type PushDestination struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}
