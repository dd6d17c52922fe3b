package models

import "time"

// Identity is a normalized email address known to the identity store.
// Encryption of the address at rest is the store's concern.
type Identity struct {
	Email       string     `json:"email"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}
