package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/models"
	"github.com/astrosense/authd/internal/ratelimit"
)

func TestIssueDeliversCodeAndPersistsHashOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	sess, err := env.otpService.Issue(ctx, "User@Example.com", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", sess.Identity, "email is normalized")
	assert.Equal(t, models.StatusActive, sess.Status)
	assert.NotEmpty(t, sess.LineageID)
	assert.Equal(t, 0, sess.ResendCount)
	assert.Equal(t, 0, sess.AttemptCount)
	assert.Equal(t, env.clock.Now().Add(5*time.Minute), sess.ExpiresAt)

	code := env.deliverer.lastCode("user@example.com")
	require.Len(t, code, 6)

	stored, err := env.otpStore.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, code, stored.CodeHash)
	assert.NotContains(t, stored.CodeHash, code)

	// The identity was registered.
	id, err := env.identities.LookupOrCreate(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", id.Email)
}

func TestIssueRejectsInvalidEmail(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.otpService.Issue(context.Background(), "not-an-email", "")
	assert.ErrorIs(t, err, auth.ErrInvalidEmail)
}

func TestIssueRateLimited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ratelimit.Rules{
		ratelimit.OpLogin: {Max: 1, Window: time.Minute},
	})

	_, err := env.otpService.Issue(ctx, "a@x.com", "")
	require.NoError(t, err)

	_, err = env.otpService.Issue(ctx, "a@x.com", "")
	assert.ErrorIs(t, err, auth.ErrRateLimited)

	var rateLimited *auth.RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))
}

func TestIssueRateLimitedByOrigin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ratelimit.Rules{
		ratelimit.OpLogin: {Max: 2, Window: time.Minute},
	})

	_, err := env.otpService.Issue(ctx, "a@x.com", "10.0.0.1")
	require.NoError(t, err)
	_, err = env.otpService.Issue(ctx, "b@x.com", "10.0.0.1")
	require.NoError(t, err)

	// Third distinct address from the same origin trips the origin bound.
	_, err = env.otpService.Issue(ctx, "c@x.com", "10.0.0.1")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
}

func TestIssueDeliveryFailureKeepsSessionActive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.deliverer.fail = true

	sess, err := env.otpService.Issue(ctx, "a@x.com", "")
	assert.ErrorIs(t, err, auth.ErrDeliveryFailure)
	require.NotEmpty(t, sess.ID, "the persisted session is reported back")

	stored, err := env.otpStore.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestIssueSupersedesPriorLogin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	first, err := env.otpService.Issue(ctx, "a@x.com", "")
	require.NoError(t, err)
	second, err := env.otpService.Issue(ctx, "a@x.com", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.LineageID, second.LineageID, "a fresh login starts a fresh lineage")

	stored, err := env.otpStore.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuperseded, stored.Status)
}

func TestResendInheritsLineage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	first, err := env.otpService.Issue(ctx, "a@x.com", "")
	require.NoError(t, err)
	firstCode := env.deliverer.lastCode("a@x.com")

	second, err := env.otpService.Resend(ctx, "a@x.com", first.ID, "")
	require.NoError(t, err)

	assert.Equal(t, first.LineageID, second.LineageID)
	assert.Equal(t, 1, second.ResendCount)
	assert.Equal(t, 2, env.deliverer.deliveries("a@x.com"))
	assert.NotEqual(t, firstCode, env.deliverer.lastCode("a@x.com"),
		"a resend carries a fresh code (one-in-a-million flake accepted)")
}

func TestResendBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	sess, err := env.otpService.Issue(ctx, "a@x.com", "")
	require.NoError(t, err)

	second, err := env.otpService.Resend(ctx, "a@x.com", sess.ID, "")
	require.NoError(t, err)
	third, err := env.otpService.Resend(ctx, "a@x.com", second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, third.ResendCount)

	_, err = env.otpService.Resend(ctx, "a@x.com", third.ID, "")
	assert.ErrorIs(t, err, auth.ErrResendLimit)
}

func TestResendUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.otpService.Resend(context.Background(), "a@x.com", "no-such-id", "")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}
