package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/config"
	"github.com/astrosense/authd/internal/email"
	"github.com/astrosense/authd/internal/models"
	"github.com/astrosense/authd/internal/otp"
	"github.com/astrosense/authd/internal/ratelimit"
	"github.com/astrosense/authd/internal/repository"
)

// OTPService issues and resends login codes. The plaintext code exists only
// between generation and the delivery request; callers get the persisted
// session record, never the code.
type OTPService struct {
	store      repository.OTPSessionStore
	identities repository.IdentityStore
	limiter    ratelimit.Limiter
	deliverer  email.Deliverer
	cfg        *config.OTPConfig
	logger     *logrus.Logger
	now        func() time.Time
}

func NewOTPService(
	store repository.OTPSessionStore,
	identities repository.IdentityStore,
	limiter ratelimit.Limiter,
	deliverer email.Deliverer,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		store:      store,
		identities: identities,
		limiter:    limiter,
		deliverer:  deliverer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source for tests.
func (s *OTPService) WithClock(now func() time.Time) *OTPService {
	s.now = now
	return s
}

// Issue starts a fresh lineage for the identity: admit, generate, hash,
// atomically supersede-and-persist, then ask the transport to deliver.
//
// A delivery failure comes back as auth.ErrDeliveryFailure together with the
// persisted session; the record stays Active and the code stays usable.
func (s *OTPService) Issue(ctx context.Context, rawEmail, origin string) (models.OTPSession, error) {
	identity, err := otp.NormalizeEmail(rawEmail)
	if err != nil {
		return models.OTPSession{}, err
	}

	if err := s.admit(ctx, ratelimit.OpLogin, identity, origin); err != nil {
		return models.OTPSession{}, err
	}

	if _, err := s.identities.LookupOrCreate(ctx, identity); err != nil {
		s.logger.WithError(err).Error("Failed to look up identity")
		return models.OTPSession{}, fmt.Errorf("failed to look up identity: %w", err)
	}

	sess, code, err := s.newSession(identity)
	if err != nil {
		return models.OTPSession{}, err
	}
	sess.LineageID = uuid.New().String()

	if err := s.store.Issue(ctx, sess); err != nil {
		return models.OTPSession{}, fmt.Errorf("failed to persist otp session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"otp_session_id": sess.ID,
		"lineage_id":     sess.LineageID,
	}).Info("OTP session issued")

	return s.deliver(ctx, sess, identity, code)
}

// Resend supersedes the active session with a new code in the same lineage.
func (s *OTPService) Resend(ctx context.Context, rawEmail, sessionID, origin string) (models.OTPSession, error) {
	identity, err := otp.NormalizeEmail(rawEmail)
	if err != nil {
		return models.OTPSession{}, err
	}

	if err := s.admit(ctx, ratelimit.OpResend, identity, origin); err != nil {
		return models.OTPSession{}, err
	}

	next, code, err := s.newSession(identity)
	if err != nil {
		return models.OTPSession{}, err
	}

	// The store fills LineageID and ResendCount from the superseded
	// session inside its atomic section.
	next, err = s.store.Resend(ctx, sessionID, identity, s.now(), next)
	if err != nil {
		return models.OTPSession{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"otp_session_id": next.ID,
		"lineage_id":     next.LineageID,
		"resend_count":   next.ResendCount,
	}).Info("OTP session reissued")

	return s.deliver(ctx, next, identity, code)
}

func (s *OTPService) newSession(identity string) (models.OTPSession, string, error) {
	code, err := otp.GenerateCode()
	if err != nil {
		return models.OTPSession{}, "", err
	}
	hash, err := otp.HashCode(code, s.cfg.BcryptCost)
	if err != nil {
		return models.OTPSession{}, "", err
	}

	now := s.now()
	return models.OTPSession{
		ID:          uuid.New().String(),
		Identity:    identity,
		CodeHash:    hash,
		Status:      models.StatusActive,
		MaxAttempts: s.cfg.MaxAttempts,
		MaxResends:  s.cfg.MaxResends,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Expiry),
	}, code, nil
}

func (s *OTPService) deliver(ctx context.Context, sess models.OTPSession, identity, code string) (models.OTPSession, error) {
	if err := s.deliverer.Deliver(ctx, identity, code); err != nil {
		s.logger.WithError(err).WithField("otp_session_id", sess.ID).
			Warn("Code delivery failed; session remains active")
		return sess, fmt.Errorf("%w: %s", auth.ErrDeliveryFailure, err)
	}
	return sess, nil
}

// admit checks the operation's ceiling for both the identity and the client
// origin. A denial happens before any record is created.
func (s *OTPService) admit(ctx context.Context, op, identity, origin string) error {
	return admit(ctx, s.limiter, op, identity, origin)
}

func admit(ctx context.Context, limiter ratelimit.Limiter, op, identity, origin string) error {
	subjects := []string{"email:" + identity}
	if origin != "" {
		subjects = append(subjects, "ip:"+origin)
	}
	for _, subject := range subjects {
		decision, err := limiter.Allow(ctx, op, subject)
		if err != nil {
			return fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !decision.Allowed {
			return &auth.RateLimitedError{RetryAfter: decision.RetryAfter}
		}
	}
	return nil
}
