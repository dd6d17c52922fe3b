package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/otp"
	"github.com/astrosense/authd/internal/ratelimit"
	"github.com/astrosense/authd/internal/repository"
)

// Verifier checks submitted codes against stored OTP sessions and mints a
// long-lived session on success.
type Verifier struct {
	store      repository.OTPSessionStore
	sessions   *SessionService
	identities repository.IdentityStore
	limiter    ratelimit.Limiter
	logger     *logrus.Logger
	now        func() time.Time
}

func NewVerifier(
	store repository.OTPSessionStore,
	sessions *SessionService,
	identities repository.IdentityStore,
	limiter ratelimit.Limiter,
	logger *logrus.Logger,
) *Verifier {
	return &Verifier{
		store:      store,
		sessions:   sessions,
		identities: identities,
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify resolves one submission. The store's BeginAttempt does the
// order-sensitive work atomically (terminal mapping, lazy expiry, attempt
// fetch-and-add with lock-on-exceed); the bcrypt comparison runs outside
// that critical section, and success is finalized with a compare-and-swap so
// racing correct submissions cannot both win.
//
// Outcomes: the minted session token, or one of auth.ErrNotFound,
// auth.ErrExpired, auth.ErrTooManyAttempts, *auth.WrongCodeError,
// *auth.RateLimitedError.
func (v *Verifier) Verify(ctx context.Context, rawEmail, sessionID, code, origin string) (string, error) {
	identity, err := otp.NormalizeEmail(rawEmail)
	if err != nil {
		return "", err
	}

	if err := admit(ctx, v.limiter, ratelimit.OpVerify, identity, origin); err != nil {
		return "", err
	}

	attempt, err := v.store.BeginAttempt(ctx, sessionID, identity, v.now())
	if err != nil {
		return "", err
	}

	if !otp.CompareCode(attempt.CodeHash, code) {
		return "", &auth.WrongCodeError{Remaining: attempt.Remaining()}
	}

	if err := v.store.CompleteVerify(ctx, sessionID, identity, v.now()); err != nil {
		// A concurrent verify or a fresh issue got there first; this
		// submission no longer corresponds to an Active session.
		if errors.Is(err, auth.ErrNotFound) {
			return "", auth.ErrNotFound
		}
		return "", err
	}

	token, _, err := v.sessions.Create(ctx, identity)
	if err != nil {
		return "", err
	}

	if err := v.identities.TouchLogin(ctx, identity, v.now()); err != nil {
		v.logger.WithError(err).Warn("Failed to record login time")
	}

	v.logger.WithField("otp_session_id", sessionID).Info("OTP verified, session created")
	return token, nil
}
