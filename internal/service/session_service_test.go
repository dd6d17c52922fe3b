package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrosense/authd/internal/auth"
)

func TestSessionCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	token, sess, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, sess.TokenHash, "only the hash is persisted")
	assert.Equal(t, env.clock.Now().Add(7*24*time.Hour), sess.ExpiresAt)

	got, err := env.sessions.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Identity)
}

func TestSessionValidateRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.sessions.Validate(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)

	_, err = env.sessions.Validate(context.Background(), "never-issued")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	token, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)

	env.clock.Advance(7*24*time.Hour - time.Second)
	_, err = env.sessions.Validate(ctx, token)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = env.sessions.Validate(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestSessionRevokeImmediate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	token, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)

	require.NoError(t, env.sessions.Revoke(ctx, token))

	_, err = env.sessions.Validate(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)

	// Revoking again, or revoking nonsense, is a no-op.
	assert.NoError(t, env.sessions.Revoke(ctx, token))
	assert.NoError(t, env.sessions.Revoke(ctx, "never-issued"))
	assert.NoError(t, env.sessions.Revoke(ctx, ""))
}

func TestSessionRevokeIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	tokenA, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)
	tokenB, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)

	require.NoError(t, env.sessions.Revoke(ctx, tokenA))

	_, err = env.sessions.Validate(ctx, tokenB)
	assert.NoError(t, err, "revocation only touches the named token")
}

func TestPurgeSweepsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	expired, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)

	env.clock.Advance(7*24*time.Hour + time.Hour)
	live, _, err := env.sessions.Create(ctx, "a@x.com")
	require.NoError(t, err)

	env.sessions.Purge(ctx)

	_, err = env.sessions.Validate(ctx, expired)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
	_, err = env.sessions.Validate(ctx, live)
	assert.NoError(t, err)
}
