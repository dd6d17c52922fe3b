package models

import "time"

// Session is a long-lived authenticated grant minted after a successful OTP
// verification. Only the SHA-256 hash of the token is stored; the raw token
// lives in the client cookie.
type Session struct {
	TokenHash string     `json:"token_hash"`
	Identity  string     `json:"identity"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ValidAt reports whether the session is usable at the given instant:
// not revoked and not yet expired.
func (s *Session) ValidAt(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
