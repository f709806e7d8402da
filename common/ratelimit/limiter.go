package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/redis"
)

// Result contains the result of a rate limit check
type Result struct {
	Allowed      bool          // Whether the request is allowed
	CurrentCount int64         // Current count in the window
	Limit        int64         // The limit that was checked
	RetryAfter   time.Duration // Time until the window resets (0 if allowed)
}

// Limiter counts hits per key in fixed windows
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error)
}

// fixedWindowScript increments the counter and starts the window on first hit.
// Returns {count, ttl_ms}.
var fixedWindowScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisLimiter shares counters between replicas
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	log    *logger.Logger
}

// NewRedisLimiter creates a limiter whose keys live under prefix
func NewRedisLimiter(client *redis.Client, prefix string, log *logger.Logger) *RedisLimiter {
	return &RedisLimiter{redis: client, prefix: prefix, log: log}
}

// Allow records one hit for key
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	full := r.prefix + key
	raw, err := fixedWindowScript.Run(ctx, r.redis.GetUnderlying(), []string{full}, window.Milliseconds()).Result()
	if err != nil {
		r.log.Error("rate limit check failed", "key", full, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Parse result array: {current_count, ttl_ms}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)

	res := result(count, limit, time.Duration(ttl)*time.Millisecond)
	if !res.Allowed {
		r.log.Warn("rate limit exceeded", "key", full, "current", count, "limit", limit)
	}
	return res, nil
}

// MemoryLimiter keeps counters in process
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one hit for key
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int64, d time.Duration) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		// drop expired windows while we hold the lock
		for k, other := range m.windows {
			if !now.Before(other.resetAt) {
				delete(m.windows, k)
			}
		}
		w = &window{resetAt: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return result(w.count, limit, w.resetAt.Sub(now)), nil
}

func result(count, limit int64, ttl time.Duration) *Result {
	res := &Result{
		Allowed:      count <= limit,
		CurrentCount: count,
		Limit:        limit,
	}
	if !res.Allowed && ttl > 0 {
		res.RetryAfter = ttl
	}
	return res
}
