package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/models"
)

// RedisOTPSessionStore keeps OTP sessions as TTL'd JSON blobs plus an
// active-session pointer per identity. Every lifecycle mutation runs as a Lua
// script, so Redis's single-threaded execution provides the atomic
// supersede / resend / attempt boundaries.
//
// Records outlive their verification window by the retention duration, so a
// late verify can still distinguish Expired from NotFound before the blob
// finally falls out.
type RedisOTPSessionStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *logrus.Logger

	issueScript    *redis.Script
	resendScript   *redis.Script
	attemptScript  *redis.Script
	completeScript *redis.Script
}

// redisOTPRecord is the wire form of an OTP session. Timestamps are Unix
// seconds so the scripts can compare them.
type redisOTPRecord struct {
	ID           string `json:"id"`
	Identity     string `json:"identity"`
	CodeHash     string `json:"code_hash"`
	LineageID    string `json:"lineage_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	ResendCount  int    `json:"resend_count"`
	MaxResends   int    `json:"max_resends"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

const otpSessionKeyPrefix = "otp:session:"

// The active pointer carries the same TTL as the record it names, so a
// stored "active" status can never outlive the pointer that would let a
// later issue supersede or expire it.
//
// KEYS[1] = active pointer, KEYS[2] = new session key
// ARGV[1] = new record JSON, ARGV[2] = record TTL seconds,
// ARGV[3] = retention seconds, ARGV[4] = new session id, ARGV[5] = now unix
const issueLua = `
local prev = redis.call("GET", KEYS[1])
if prev then
  local prevKey = "otp:session:" .. prev
  local raw = redis.call("GET", prevKey)
  if raw then
    local sess = cjson.decode(raw)
    if sess.status == "active" then
      if tonumber(ARGV[5]) >= sess.expires_at then
        sess.status = "expired"
      else
        sess.status = "superseded"
      end
      redis.call("SET", prevKey, cjson.encode(sess), "EX", tonumber(ARGV[3]))
    end
  end
end
redis.call("SET", KEYS[2], ARGV[1], "EX", tonumber(ARGV[2]))
redis.call("SET", KEYS[1], ARGV[4], "EX", tonumber(ARGV[2]))
return 1
`

// KEYS[1] = previous session key, KEYS[2] = active pointer, KEYS[3] = new session key
// ARGV[1] = identity, ARGV[2] = now unix, ARGV[3] = new record JSON,
// ARGV[4] = record TTL seconds, ARGV[5] = retention seconds,
// ARGV[6] = new session id
const resendLua = `
local raw = redis.call("GET", KEYS[1])
if not raw then return {"notfound"} end
local prev = cjson.decode(raw)
if prev.identity ~= ARGV[1] or prev.status ~= "active" then return {"notfound"} end
if tonumber(ARGV[2]) >= prev.expires_at then
  prev.status = "expired"
  redis.call("SET", KEYS[1], cjson.encode(prev), "EX", tonumber(ARGV[5]))
  redis.call("DEL", KEYS[2])
  return {"notfound"}
end
if prev.resend_count >= prev.max_resends then return {"limit"} end
local next = cjson.decode(ARGV[3])
next.lineage_id = prev.lineage_id
next.resend_count = prev.resend_count + 1
prev.status = "superseded"
redis.call("SET", KEYS[1], cjson.encode(prev), "EX", tonumber(ARGV[5]))
redis.call("SET", KEYS[3], cjson.encode(next), "EX", tonumber(ARGV[4]))
redis.call("SET", KEYS[2], ARGV[6], "EX", tonumber(ARGV[4]))
return {"ok", next.lineage_id, tostring(next.resend_count)}
`

// KEYS[1] = session key, KEYS[2] = active pointer
// ARGV[1] = identity, ARGV[2] = now unix, ARGV[3] = retention seconds
const attemptLua = `
local raw = redis.call("GET", KEYS[1])
if not raw then return {"notfound"} end
local sess = cjson.decode(raw)
if sess.identity ~= ARGV[1] then return {"notfound"} end
if sess.status == "verified" or sess.status == "superseded" then return {"notfound"} end
if sess.status == "expired" then return {"expired"} end
if sess.status == "locked" then return {"locked"} end
if tonumber(ARGV[2]) >= sess.expires_at then
  sess.status = "expired"
  redis.call("SET", KEYS[1], cjson.encode(sess), "EX", tonumber(ARGV[3]))
  redis.call("DEL", KEYS[2])
  return {"expired"}
end
if sess.attempt_count >= sess.max_attempts then
  sess.status = "locked"
  redis.call("SET", KEYS[1], cjson.encode(sess), "EX", tonumber(ARGV[3]))
  redis.call("DEL", KEYS[2])
  return {"locked"}
end
sess.attempt_count = sess.attempt_count + 1
local ttl = redis.call("TTL", KEYS[1])
redis.call("SET", KEYS[1], cjson.encode(sess))
if ttl > 0 then redis.call("EXPIRE", KEYS[1], ttl) end
return {"ok", sess.code_hash, tostring(sess.attempt_count), tostring(sess.max_attempts)}
`

// KEYS[1] = session key, KEYS[2] = active pointer
// ARGV[1] = identity, ARGV[2] = retention seconds
const completeLua = `
local raw = redis.call("GET", KEYS[1])
if not raw then return {"notfound"} end
local sess = cjson.decode(raw)
if sess.identity ~= ARGV[1] or sess.status ~= "active" then return {"notfound"} end
sess.status = "verified"
redis.call("SET", KEYS[1], cjson.encode(sess), "EX", tonumber(ARGV[2]))
redis.call("DEL", KEYS[2])
return {"ok"}
`

func NewRedisOTPSessionStore(client *redis.Client, retention time.Duration, logger *logrus.Logger) *RedisOTPSessionStore {
	return &RedisOTPSessionStore{
		client:         client,
		retention:      retention,
		logger:         logger,
		issueScript:    redis.NewScript(issueLua),
		resendScript:   redis.NewScript(resendLua),
		attemptScript:  redis.NewScript(attemptLua),
		completeScript: redis.NewScript(completeLua),
	}
}

func sessionKey(id string) string {
	return otpSessionKeyPrefix + id
}

func activeKey(identity string) string {
	return "otp:active:" + identity
}

func toRecord(sess models.OTPSession) redisOTPRecord {
	return redisOTPRecord{
		ID:           sess.ID,
		Identity:     sess.Identity,
		CodeHash:     sess.CodeHash,
		LineageID:    sess.LineageID,
		Status:       string(sess.Status),
		AttemptCount: sess.AttemptCount,
		MaxAttempts:  sess.MaxAttempts,
		ResendCount:  sess.ResendCount,
		MaxResends:   sess.MaxResends,
		CreatedAt:    sess.CreatedAt.Unix(),
		ExpiresAt:    sess.ExpiresAt.Unix(),
	}
}

func (rec redisOTPRecord) toModel() models.OTPSession {
	return models.OTPSession{
		ID:           rec.ID,
		Identity:     rec.Identity,
		CodeHash:     rec.CodeHash,
		LineageID:    rec.LineageID,
		Status:       models.OTPStatus(rec.Status),
		AttemptCount: rec.AttemptCount,
		MaxAttempts:  rec.MaxAttempts,
		ResendCount:  rec.ResendCount,
		MaxResends:   rec.MaxResends,
		CreatedAt:    time.Unix(rec.CreatedAt, 0).UTC(),
		ExpiresAt:    time.Unix(rec.ExpiresAt, 0).UTC(),
	}
}

func (s *RedisOTPSessionStore) recordTTL(sess models.OTPSession) int64 {
	ttl := time.Until(sess.ExpiresAt) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}
	return int64(ttl.Seconds())
}

func (s *RedisOTPSessionStore) Issue(ctx context.Context, sess models.OTPSession) error {
	payload, err := json.Marshal(toRecord(sess))
	if err != nil {
		return fmt.Errorf("failed to marshal otp session: %w", err)
	}

	err = s.issueScript.Run(ctx, s.client,
		[]string{activeKey(sess.Identity), sessionKey(sess.ID)},
		payload, s.recordTTL(sess), int64(s.retention.Seconds()), sess.ID, sess.CreatedAt.Unix(),
	).Err()
	if err != nil {
		s.logger.WithError(err).Error("Failed to store OTP session in Redis")
		return fmt.Errorf("failed to store otp session: %w", err)
	}
	return nil
}

func (s *RedisOTPSessionStore) Resend(ctx context.Context, id, identity string, now time.Time, next models.OTPSession) (models.OTPSession, error) {
	payload, err := json.Marshal(toRecord(next))
	if err != nil {
		return models.OTPSession{}, fmt.Errorf("failed to marshal otp session: %w", err)
	}

	res, err := s.resendScript.Run(ctx, s.client,
		[]string{sessionKey(id), activeKey(identity), sessionKey(next.ID)},
		identity, now.Unix(), payload, s.recordTTL(next), int64(s.retention.Seconds()), next.ID,
	).Slice()
	if err != nil {
		s.logger.WithError(err).Error("Failed to resend OTP session in Redis")
		return models.OTPSession{}, fmt.Errorf("failed to resend otp session: %w", err)
	}

	switch outcome(res) {
	case "ok":
		next.LineageID, _ = res[1].(string)
		next.ResendCount = atoiField(res, 2)
		return next, nil
	case "limit":
		return models.OTPSession{}, auth.ErrResendLimit
	default:
		return models.OTPSession{}, auth.ErrNotFound
	}
}

func (s *RedisOTPSessionStore) BeginAttempt(ctx context.Context, id, identity string, now time.Time) (Attempt, error) {
	res, err := s.attemptScript.Run(ctx, s.client,
		[]string{sessionKey(id), activeKey(identity)},
		identity, now.Unix(), int64(s.retention.Seconds()),
	).Slice()
	if err != nil {
		s.logger.WithError(err).Error("Failed to count OTP attempt in Redis")
		return Attempt{}, fmt.Errorf("failed to count otp attempt: %w", err)
	}

	switch outcome(res) {
	case "ok":
		hash, _ := res[1].(string)
		return Attempt{
			CodeHash:     hash,
			AttemptCount: atoiField(res, 2),
			MaxAttempts:  atoiField(res, 3),
		}, nil
	case "expired":
		return Attempt{}, auth.ErrExpired
	case "locked":
		return Attempt{}, auth.ErrTooManyAttempts
	default:
		return Attempt{}, auth.ErrNotFound
	}
}

// CompleteVerify's retention window is anchored by the record TTL Redis
// applies at the transition; now is accepted for contract symmetry.
func (s *RedisOTPSessionStore) CompleteVerify(ctx context.Context, id, identity string, now time.Time) error {
	res, err := s.completeScript.Run(ctx, s.client,
		[]string{sessionKey(id), activeKey(identity)},
		identity, int64(s.retention.Seconds()),
	).Slice()
	if err != nil {
		s.logger.WithError(err).Error("Failed to finalize OTP verification in Redis")
		return fmt.Errorf("failed to finalize otp verification: %w", err)
	}
	if outcome(res) != "ok" {
		return auth.ErrNotFound
	}
	return nil
}

func (s *RedisOTPSessionStore) Get(ctx context.Context, id string) (models.OTPSession, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return models.OTPSession{}, auth.ErrNotFound
	}
	if err != nil {
		return models.OTPSession{}, fmt.Errorf("failed to get otp session: %w", err)
	}

	var rec redisOTPRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.OTPSession{}, fmt.Errorf("failed to unmarshal otp session: %w", err)
	}
	return rec.toModel(), nil
}

// PurgeTerminal is a no-op: terminal records carry a retention TTL and Redis
// reclaims them itself.
func (s *RedisOTPSessionStore) PurgeTerminal(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func outcome(res []interface{}) string {
	if len(res) == 0 {
		return ""
	}
	str, _ := res[0].(string)
	return str
}

func atoiField(res []interface{}, idx int) int {
	if idx >= len(res) {
		return 0
	}
	str, _ := res[idx].(string)
	n := 0
	fmt.Sscanf(str, "%d", &n)
	return n
}
