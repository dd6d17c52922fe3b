// Package auth defines the outcome vocabulary shared by the OTP and session
// components. Handlers translate these into HTTP statuses at the boundary;
// nothing below the boundary knows about status codes.
package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrNotFound        = errors.New("code session not found")
	ErrExpired         = errors.New("code expired")
	ErrWrongCode       = errors.New("wrong code")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrResendLimit     = errors.New("resend limit reached")
	ErrDeliveryFailure = errors.New("code delivery failed")
	ErrInvalidSession  = errors.New("invalid session")
)

// WrongCodeError carries the remaining attempt budget alongside the
// ErrWrongCode outcome.
type WrongCodeError struct {
	Remaining int
}

func (e *WrongCodeError) Error() string {
	return fmt.Sprintf("wrong code, %d attempts remaining", e.Remaining)
}

func (e *WrongCodeError) Is(target error) bool {
	return target == ErrWrongCode
}

// RateLimitedError carries the retry hint alongside the ErrRateLimited
// outcome.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
