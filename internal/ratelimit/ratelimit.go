// Package ratelimit bounds login, verify and resend traffic per subject over
// fixed windows. A subject is either an identity ("email:<addr>") or a client
// origin ("ip:<addr>"); both are checked independently.
package ratelimit

import (
	"context"
	"time"
)

// Operation names used as limiter dimensions.
const (
	OpLogin  = "login"
	OpVerify = "verify"
	OpResend = "resend"
)

// Rule is the ceiling for one operation: at most Max requests per subject in
// any one window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or denies a request for an operation and subject. The
// counter increment is atomic fetch-and-add; a denial has no side effect
// beyond the increment.
type Limiter interface {
	Allow(ctx context.Context, op, subject string) (Decision, error)
}

// Rules maps operations to their ceilings. Operations without a rule are
// always admitted.
type Rules map[string]Rule

// windowStart aligns now to the start of its fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
