package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowCounter struct {
	start time.Time
	count int
}

// MemoryLimiter is the in-process limiter used with the memory storage
// driver. Safe for concurrent use; counters roll when their window does.
type MemoryLimiter struct {
	mu       sync.Mutex
	rules    Rules
	counters map[string]*windowCounter
	now      func() time.Time
}

func NewMemoryLimiter(rules Rules) *MemoryLimiter {
	return &MemoryLimiter{
		rules:    rules,
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// WithClock replaces the time source; tests use this to roll windows.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, op, subject string) (Decision, error) {
	rule, ok := l.rules[op]
	if !ok || rule.Max <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	start := windowStart(now, rule.Window)
	key := op + ":" + subject

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || c.start.Before(start) {
		c = &windowCounter{start: start}
		l.counters[key] = c
	}
	c.count++

	if c.count > rule.Max {
		return Decision{
			Allowed:    false,
			RetryAfter: start.Add(rule.Window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Max - c.count}, nil
}
