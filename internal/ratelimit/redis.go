package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisLimiter counts per-window requests with INCR, so the ceiling holds
// across service instances sharing the same Redis.
type RedisLimiter struct {
	client *redis.Client
	rules  Rules
	logger *logrus.Logger
	now    func() time.Time

	script *redis.Script
}

// KEYS[1] = window counter; ARGV[1] = window TTL seconds
const incrLua = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return n
`

func NewRedisLimiter(client *redis.Client, rules Rules, logger *logrus.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		rules:  rules,
		logger: logger,
		now:    time.Now,
		script: redis.NewScript(incrLua),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, op, subject string) (Decision, error) {
	rule, ok := l.rules[op]
	if !ok || rule.Max <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	start := windowStart(now, rule.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", op, subject, start.Unix())

	count, err := l.script.Run(ctx, l.client, []string{key}, int64(rule.Window.Seconds())).Int()
	if err != nil {
		l.logger.WithError(err).Error("Failed to increment rate limit counter")
		return Decision{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count > rule.Max {
		return Decision{
			Allowed:    false,
			RetryAfter: start.Add(rule.Window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Max - count}, nil
}
