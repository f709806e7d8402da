package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openrepo/editsync/common/redis"
)

// Locker grants exclusive submit rights for a key. unlock must be called exactly once when ok.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// localLocks is the process-wide in-flight guard
type localLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLocalLocks() *localLocks {
	return &localLocks{held: make(map[string]struct{})}
}

func (l *localLocks) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// RedisLocker holds submit locks in Redis so instances behind a load balancer
// serialise submits for the same resource
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a lock that expires after ttl if never released
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "submit_lock:"}
}

// TryLock acquires prefix+key with SET NX PX and a random token
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = l.client.ReleaseIfMatch(ctx, l.prefix+key, token)
		})
	}, true, nil
}
