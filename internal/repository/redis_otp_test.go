package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/models"
)

func newRedisOTPStore(t *testing.T) *RedisOTPSessionStore {
	t.Helper()
	store, _ := newRedisOTPStoreWithServer(t)
	return store
}

func newRedisOTPStoreWithServer(t *testing.T) (*RedisOTPSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRedisOTPSessionStore(client, time.Hour, logger), mr
}

func TestRedisOTPIssueSupersedesActive(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("first", "a@x.com", now)))
	require.NoError(t, store.Issue(ctx, newOTPSession("second", "a@x.com", now)))

	first, err := store.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuperseded, first.Status)

	second, err := store.Get(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, second.Status)

	_, err = store.BeginAttempt(ctx, "first", "a@x.com", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRedisOTPBeginAttemptCounting(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	for i := 1; i <= 10; i++ {
		attempt, err := store.BeginAttempt(ctx, "s1", "a@x.com", now)
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, i, attempt.AttemptCount)
		assert.Equal(t, "$2a$04$fakehashfortesting", attempt.CodeHash)
	}

	_, err := store.BeginAttempt(ctx, "s1", "a@x.com", now)
	assert.ErrorIs(t, err, auth.ErrTooManyAttempts)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, sess.Status)
	assert.Equal(t, 10, sess.AttemptCount)
}

func TestRedisOTPWrongIdentity(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	_, err := store.BeginAttempt(ctx, "s1", "b@x.com", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRedisOTPExpiryPrecedesAttempt(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	_, err := store.BeginAttempt(ctx, "s1", "a@x.com", now.Add(5*time.Minute))
	assert.ErrorIs(t, err, auth.ErrExpired)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, sess.Status)
	assert.Equal(t, 0, sess.AttemptCount)

	// The record sticks around long enough to keep answering Expired
	// rather than NotFound.
	_, err = store.BeginAttempt(ctx, "s1", "a@x.com", now.Add(6*time.Minute))
	assert.ErrorIs(t, err, auth.ErrExpired)
}

func TestRedisOTPCompleteVerifyOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))
	require.NoError(t, store.CompleteVerify(ctx, "s1", "a@x.com", now))

	assert.ErrorIs(t, store.CompleteVerify(ctx, "s1", "a@x.com", now), auth.ErrNotFound)
	_, err := store.BeginAttempt(ctx, "s1", "a@x.com", now)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, sess.Status)
}

func TestRedisOTPResendLineage(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	next1, err := store.Resend(ctx, "s1", "a@x.com", now, newOTPSession("s2", "a@x.com", now))
	require.NoError(t, err)
	assert.Equal(t, "lineage-s1", next1.LineageID)
	assert.Equal(t, 1, next1.ResendCount)

	next2, err := store.Resend(ctx, "s2", "a@x.com", now, newOTPSession("s3", "a@x.com", now))
	require.NoError(t, err)
	assert.Equal(t, 2, next2.ResendCount)

	_, err = store.Resend(ctx, "s3", "a@x.com", now, newOTPSession("s4", "a@x.com", now))
	assert.ErrorIs(t, err, auth.ErrResendLimit)

	// The persisted lineage member matches what Resend reported.
	stored, err := store.Get(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, "lineage-s1", stored.LineageID)
	assert.Equal(t, 2, stored.ResendCount)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestRedisOTPResendExpired(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	_, err := store.Resend(ctx, "s1", "a@x.com", now.Add(6*time.Minute), newOTPSession("s2", "a@x.com", now))
	assert.ErrorIs(t, err, auth.ErrNotFound)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, sess.Status)
}

func TestRedisOTPRecordsHoldOnlyHashes(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	sess := newOTPSession("s1", "a@x.com", now)
	require.NoError(t, store.Issue(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.CodeHash, got.CodeHash)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Identity, got.Identity)
	assert.Equal(t, 10, got.MaxAttempts)
	assert.Equal(t, 2, got.MaxResends)
}

func TestRedisOTPConcurrentIssueSingleActive(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	const logins = 50
	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			require.NoError(t, store.Issue(ctx, newOTPSession(id, "a@x.com", now)))
		}(i)
	}
	wg.Wait()

	active := 0
	for i := 0; i < logins; i++ {
		sess, err := store.Get(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		switch sess.Status {
		case models.StatusActive:
			active++
		case models.StatusSuperseded:
		default:
			t.Fatalf("unexpected status %q for s%d", sess.Status, i)
		}
	}
	assert.Equal(t, 1, active, "script atomicity leaves exactly one survivor")
}

func TestRedisOTPConcurrentAttemptAccounting(t *testing.T) {
	ctx := context.Background()
	store := newRedisOTPStore(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	const callers = 30
	outcomes := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BeginAttempt(ctx, "s1", "a@x.com", now)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	counted, rejected := 0, 0
	for err := range outcomes {
		switch {
		case err == nil:
			counted++
		case errors.Is(err, auth.ErrTooManyAttempts):
			rejected++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	assert.Equal(t, 10, counted, "no increment may be lost or doubled")
	assert.Equal(t, callers-10, rejected)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, sess.Status)
	assert.Equal(t, 10, sess.AttemptCount)
}

func TestRedisOTPStaleActiveRecordExpiredOnReissue(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisOTPStoreWithServer(t)
	now := time.Now()

	require.NoError(t, store.Issue(ctx, newOTPSession("s1", "a@x.com", now)))

	// Well past the verify window but inside retention: the pointer must
	// still resolve so the next issue can finalize the stale record.
	mr.FastForward(10 * time.Minute)

	later := now.Add(10 * time.Minute)
	require.NoError(t, store.Issue(ctx, newOTPSession("s2", "a@x.com", later)))

	s1, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, s1.Status,
		"a record past its window is finalized Expired, not Superseded")

	s2, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s2.Status)
}
