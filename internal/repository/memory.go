package repository

import (
	"context"
	"sync"
	"time"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/models"
)

// MemoryOTPSessionStore keeps OTP sessions in process memory behind one
// mutex. It backs the memory storage driver and the unit tests; the
// observable contract matches the Redis implementation.
type MemoryOTPSessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.OTPSession
	active    map[string]string // identity -> session id
	retention time.Duration
	expiredAt map[string]time.Time // session id -> when it went terminal
}

func NewMemoryOTPSessionStore(retention time.Duration) *MemoryOTPSessionStore {
	return &MemoryOTPSessionStore{
		sessions:  make(map[string]*models.OTPSession),
		active:    make(map[string]string),
		retention: retention,
		expiredAt: make(map[string]time.Time),
	}
}

func (s *MemoryOTPSessionStore) Issue(ctx context.Context, sess models.OTPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supersedeLocked(sess.Identity, sess.CreatedAt)

	cp := sess
	s.sessions[cp.ID] = &cp
	s.active[cp.Identity] = cp.ID
	return nil
}

// supersedeLocked marks the identity's current Active session Superseded.
func (s *MemoryOTPSessionStore) supersedeLocked(identity string, now time.Time) {
	prevID, ok := s.active[identity]
	if !ok {
		return
	}
	if prev, ok := s.sessions[prevID]; ok && prev.Status == models.StatusActive {
		prev.Status = models.StatusSuperseded
		s.expiredAt[prev.ID] = now
	}
	delete(s.active, identity)
}

func (s *MemoryOTPSessionStore) Resend(ctx context.Context, id, identity string, now time.Time, next models.OTPSession) (models.OTPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.sessions[id]
	if !ok || prev.Identity != identity || prev.Status != models.StatusActive {
		return models.OTPSession{}, auth.ErrNotFound
	}
	if prev.ExpiredAt(now) {
		prev.Status = models.StatusExpired
		s.expiredAt[prev.ID] = now
		delete(s.active, identity)
		return models.OTPSession{}, auth.ErrNotFound
	}
	if prev.ResendCount >= prev.MaxResends {
		return models.OTPSession{}, auth.ErrResendLimit
	}

	next.LineageID = prev.LineageID
	next.ResendCount = prev.ResendCount + 1
	prev.Status = models.StatusSuperseded
	s.expiredAt[prev.ID] = now

	cp := next
	s.sessions[cp.ID] = &cp
	s.active[identity] = cp.ID
	return cp, nil
}

func (s *MemoryOTPSessionStore) BeginAttempt(ctx context.Context, id, identity string, now time.Time) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Identity != identity {
		return Attempt{}, auth.ErrNotFound
	}

	switch sess.Status {
	case models.StatusVerified, models.StatusSuperseded:
		return Attempt{}, auth.ErrNotFound
	case models.StatusExpired:
		return Attempt{}, auth.ErrExpired
	case models.StatusLocked:
		return Attempt{}, auth.ErrTooManyAttempts
	}

	// Expiry precedes everything else: an expired-but-correct code is
	// always rejected.
	if sess.ExpiredAt(now) {
		sess.Status = models.StatusExpired
		s.expiredAt[sess.ID] = now
		delete(s.active, identity)
		return Attempt{}, auth.ErrExpired
	}

	// The attempt that would push the count past the ceiling locks the
	// session instead; the count itself never exceeds the maximum.
	if sess.AttemptCount >= sess.MaxAttempts {
		sess.Status = models.StatusLocked
		s.expiredAt[sess.ID] = now
		delete(s.active, identity)
		return Attempt{}, auth.ErrTooManyAttempts
	}
	sess.AttemptCount++

	return Attempt{
		CodeHash:     sess.CodeHash,
		AttemptCount: sess.AttemptCount,
		MaxAttempts:  sess.MaxAttempts,
	}, nil
}

func (s *MemoryOTPSessionStore) CompleteVerify(ctx context.Context, id, identity string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Identity != identity || sess.Status != models.StatusActive {
		return auth.ErrNotFound
	}
	sess.Status = models.StatusVerified
	s.expiredAt[sess.ID] = now
	delete(s.active, identity)
	return nil
}

func (s *MemoryOTPSessionStore) Get(ctx context.Context, id string) (models.OTPSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return models.OTPSession{}, auth.ErrNotFound
	}
	return *sess, nil
}

func (s *MemoryOTPSessionStore) PurgeTerminal(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if !sess.Status.Terminal() {
			continue
		}
		when, ok := s.expiredAt[id]
		if !ok {
			when = sess.ExpiresAt
		}
		if now.Sub(when) >= s.retention {
			delete(s.sessions, id)
			delete(s.expiredAt, id)
			removed++
		}
	}
	return removed, nil
}

// MemorySessionStore keeps authenticated sessions in process memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // token hash -> session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess
	s.sessions[cp.TokenHash] = &cp
	return nil
}

func (s *MemorySessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return models.Session{}, auth.ErrNotFound
	}
	return *sess, nil
}

func (s *MemorySessionStore) Revoke(ctx context.Context, tokenHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tokenHash]
	if !ok || sess.RevokedAt != nil {
		return nil
	}
	sess.RevokedAt = &now
	return nil
}

func (s *MemorySessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

// MemoryIdentityStore keeps identities in process memory.
type MemoryIdentityStore struct {
	mu         sync.Mutex
	identities map[string]*models.Identity
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]*models.Identity)}
}

func (s *MemoryIdentityStore) LookupOrCreate(ctx context.Context, email string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.identities[email]; ok {
		return *id, nil
	}
	id := &models.Identity{Email: email, CreatedAt: time.Now()}
	s.identities[email] = id
	return *id, nil
}

func (s *MemoryIdentityStore) TouchLogin(ctx context.Context, email string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.identities[email]; ok {
		id.LastLoginAt = &now
	}
	return nil
}
