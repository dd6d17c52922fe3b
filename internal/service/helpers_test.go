package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/astrosense/authd/internal/config"
	"github.com/astrosense/authd/internal/ratelimit"
	"github.com/astrosense/authd/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubDeliverer struct {
	mu    sync.Mutex
	codes map[string][]string
	fail  bool
}

func newStubDeliverer() *stubDeliverer {
	return &stubDeliverer{codes: make(map[string][]string)}
}

func (d *stubDeliverer) Deliver(ctx context.Context, email, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("smtp unavailable")
	}
	d.codes[email] = append(d.codes[email], code)
	return nil
}

func (d *stubDeliverer) lastCode(email string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.codes[email]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (d *stubDeliverer) deliveries(email string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.codes[email])
}

type testEnv struct {
	clock      *fakeClock
	deliverer  *stubDeliverer
	otpStore   *repository.MemoryOTPSessionStore
	sessStore  *repository.MemorySessionStore
	identities *repository.MemoryIdentityStore

	otpService *OTPService
	verifier   *Verifier
	sessions   *SessionService
}

func newTestEnv(t *testing.T, rules ratelimit.Rules) *testEnv {
	t.Helper()

	clock := newFakeClock()
	deliverer := newStubDeliverer()
	otpStore := repository.NewMemoryOTPSessionStore(24 * time.Hour)
	sessStore := repository.NewMemorySessionStore()
	identities := repository.NewMemoryIdentityStore()
	limiter := ratelimit.NewMemoryLimiter(rules).WithClock(clock.Now)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	otpCfg := &config.OTPConfig{
		Expiry:      5 * time.Minute,
		MaxAttempts: 10,
		MaxResends:  2,
		BcryptCost:  bcrypt.MinCost,
	}
	sessCfg := &config.SessionConfig{
		TTL:        7 * 24 * time.Hour,
		CookieName: "session_token",
	}

	sessions := NewSessionService(sessStore, otpStore, sessCfg, logger).WithClock(clock.Now)
	otpService := NewOTPService(otpStore, identities, limiter, deliverer, otpCfg, logger).WithClock(clock.Now)
	verifier := NewVerifier(otpStore, sessions, identities, limiter, logger).WithClock(clock.Now)

	return &testEnv{
		clock:      clock,
		deliverer:  deliverer,
		otpStore:   otpStore,
		sessStore:  sessStore,
		identities: identities,
		otpService: otpService,
		verifier:   verifier,
		sessions:   sessions,
	}
}

// wrongCodeFor returns a 6-digit code guaranteed not to match the delivered
// one.
func wrongCodeFor(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}
