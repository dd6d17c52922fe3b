package models

import "time"

// OTPStatus is the lifecycle state of an OTPSession. Every state except
// StatusActive is terminal.
type OTPStatus string

const (
	StatusActive     OTPStatus = "active"
	StatusVerified   OTPStatus = "verified"
	StatusExpired    OTPStatus = "expired"
	StatusSuperseded OTPStatus = "superseded"
	StatusLocked     OTPStatus = "locked"
)

// Terminal reports whether the status admits no further transitions.
func (s OTPStatus) Terminal() bool {
	return s != StatusActive
}

// OTPSession is one code-verification window. The plaintext code is never
// part of the record; only its bcrypt hash is kept.
type OTPSession struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	CodeHash     string    `json:"code_hash"`
	LineageID    string    `json:"lineage_id"`
	Status       OTPStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	ResendCount  int       `json:"resend_count"`
	MaxResends   int       `json:"max_resends"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the window has passed at the given instant.
// Expiry is evaluated lazily on access, never by a timer.
func (s *OTPSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
