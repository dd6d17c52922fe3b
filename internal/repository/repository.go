// Package repository defines the storage contracts for OTP sessions,
// long-lived sessions and identities, plus the Redis, DynamoDB and in-memory
// implementations.
//
// The contracts bake the atomicity boundaries into the method shapes:
// supersede-on-issue, the resend budget check and attempt accounting are each
// one store operation, so every implementation has to make them atomic rather
// than leaving read-modify-write races to the callers.
package repository

import (
	"context"
	"time"

	"github.com/astrosense/authd/internal/models"
)

// Attempt is the snapshot returned by BeginAttempt once an attempt has been
// counted. The caller compares the submitted code against CodeHash outside
// the store's critical section.
type Attempt struct {
	CodeHash     string
	AttemptCount int
	MaxAttempts  int
}

// Remaining is the attempt budget left after this attempt.
func (a Attempt) Remaining() int {
	return a.MaxAttempts - a.AttemptCount
}

// OTPSessionStore persists code-verification windows.
//
// Implementations must guarantee that at most one session per identity is
// Active at any instant, and that attempt/resend counting is safe under
// concurrent callers.
type OTPSessionStore interface {
	// Issue inserts sess as the identity's Active session, atomically
	// marking any prior Active session for the same identity Superseded.
	Issue(ctx context.Context, sess models.OTPSession) error

	// Resend supersedes the Active session identified by id+identity with
	// next, carrying the lineage forward: next inherits LineageID and gets
	// ResendCount = previous + 1. The budget check, supersede and insert
	// are a single atomic operation.
	//
	// Returns auth.ErrNotFound when no matching Active session exists (a
	// session past its window counts as expired, not found), and
	// auth.ErrResendLimit when the lineage budget is exhausted.
	Resend(ctx context.Context, id, identity string, now time.Time, next models.OTPSession) (models.OTPSession, error)

	// BeginAttempt runs the pre-comparison verify steps as one atomic
	// operation: map terminal states to their outcomes, transition an
	// overdue session to Expired, then count the attempt, locking the
	// session instead of returning a hash when the count would exceed the
	// ceiling.
	//
	// Outcomes: auth.ErrNotFound (missing, Superseded or already
	// Verified), auth.ErrExpired, auth.ErrTooManyAttempts.
	BeginAttempt(ctx context.Context, id, identity string, now time.Time) (Attempt, error)

	// CompleteVerify finishes a successful comparison with a
	// compare-and-swap: Active -> Verified. Returns auth.ErrNotFound when
	// the session is no longer Active, so of two racing correct
	// submissions only one ever reports success. now anchors the
	// retention window for the terminal record.
	CompleteVerify(ctx context.Context, id, identity string, now time.Time) error

	// Get loads a session by id regardless of status.
	Get(ctx context.Context, id string) (models.OTPSession, error)

	// PurgeTerminal removes terminal sessions past the retention window.
	// Best effort; implementations with native TTL may be a no-op.
	PurgeTerminal(ctx context.Context, now time.Time) (int, error)
}

// SessionStore persists long-lived authenticated sessions keyed by token
// hash.
type SessionStore interface {
	Create(ctx context.Context, sess models.Session) error

	// GetByTokenHash returns auth.ErrNotFound for unknown hashes.
	GetByTokenHash(ctx context.Context, tokenHash string) (models.Session, error)

	// Revoke sets RevokedAt. Idempotent: revoking an already-revoked or
	// unknown token is not an error, and an earlier RevokedAt is kept.
	Revoke(ctx context.Context, tokenHash string, now time.Time) error

	// PurgeExpired removes sessions whose ExpiresAt has passed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// IdentityStore is the user-directory surface this core needs. Encrypting
// addresses at rest is the implementation's concern.
type IdentityStore interface {
	// LookupOrCreate returns the identity for a normalized email,
	// creating it on first sight.
	LookupOrCreate(ctx context.Context, email string) (models.Identity, error)

	// TouchLogin records a successful verification. Best effort.
	TouchLogin(ctx context.Context, email string, now time.Time) error
}
