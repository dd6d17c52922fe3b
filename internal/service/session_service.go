package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/config"
	"github.com/astrosense/authd/internal/metrics"
	"github.com/astrosense/authd/internal/models"
	"github.com/astrosense/authd/internal/otp"
	"github.com/astrosense/authd/internal/repository"
)

// SessionService owns the long-lived session lifecycle: minting, validation,
// revocation and the background purge.
type SessionService struct {
	store    repository.SessionStore
	otpStore repository.OTPSessionStore
	cfg      *config.SessionConfig
	logger   *logrus.Logger
	now      func() time.Time
}

func NewSessionService(
	store repository.SessionStore,
	otpStore repository.OTPSessionStore,
	cfg *config.SessionConfig,
	logger *logrus.Logger,
) *SessionService {
	return &SessionService{
		store:    store,
		otpStore: otpStore,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source for tests.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// Create mints an opaque token for the identity. The raw token goes to the
// caller exactly once; only its hash is stored.
func (s *SessionService) Create(ctx context.Context, identity string) (string, models.Session, error) {
	token, err := otp.NewToken()
	if err != nil {
		return "", models.Session{}, err
	}

	now := s.now()
	sess := models.Session{
		TokenHash: otp.HashToken(token),
		Identity:  identity,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return "", models.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return token, sess, nil
}

// Validate resolves a raw token to its session. Returns auth.ErrInvalidSession
// for unknown, revoked or expired tokens.
func (s *SessionService) Validate(ctx context.Context, token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, auth.ErrInvalidSession
	}

	sess, err := s.store.GetByTokenHash(ctx, otp.HashToken(token))
	if err != nil {
		return models.Session{}, auth.ErrInvalidSession
	}
	if !sess.ValidAt(s.now()) {
		return models.Session{}, auth.ErrInvalidSession
	}
	return sess, nil
}

// Revoke invalidates the token immediately. Idempotent, including for tokens
// that were never issued.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.Revoke(ctx, otp.HashToken(token), s.now())
}

// Purge sweeps expired sessions and terminal OTP sessions past retention.
func (s *SessionService) Purge(ctx context.Context) {
	now := s.now()

	sessions, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		s.logger.WithError(err).Warn("Session purge sweep failed")
	}
	codes, err := s.otpStore.PurgeTerminal(ctx, now)
	if err != nil {
		s.logger.WithError(err).Warn("OTP purge sweep failed")
	}

	metrics.PurgedRecords.WithLabelValues("session").Add(float64(sessions))
	metrics.PurgedRecords.WithLabelValues("otp_session").Add(float64(codes))

	if sessions > 0 || codes > 0 {
		s.logger.WithFields(logrus.Fields{
			"sessions":     sessions,
			"otp_sessions": codes,
		}).Info("Purged expired records")
	}
}

// RunPurge loops the sweep on the given interval until the context is
// cancelled. It runs beside the request path and never holds request-path
// locks across iterations.
func (s *SessionService) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Purge(ctx)
		}
	}
}
