package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "tus_lock:"

// DefaultLockLease bounds how long a crashed holder can block a session.
const DefaultLockLease = 30 * time.Second

// Locker serializes writers of one session across every server instance
// that shares the session store.
type Locker interface {
	// Lock blocks until the session lock is held or ctx is done. The
	// returned func releases it and is safe to call more than once.
	Lock(ctx context.Context, id string) (func(), error)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a lease lock on a Redis key. The holder's token guards
// release and renewal, so an instance whose lease lapsed cannot free a lock
// someone else now holds. The lease is renewed while the lock is held.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker. A non-positive lease uses DefaultLockLease.
func NewRedisLocker(client *redis.Client, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = DefaultLockLease
	}
	return &RedisLocker{client: client, lease: lease, retry: 20 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, id string) (func(), error) {
	key := lockPrefix + id
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock for session %s: %w", id, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				slog.Warn("failed to release session lock", "session_id", id, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.lease/3)
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.lease.Milliseconds()).Int64()
			cancel()
			if err != nil {
				slog.Warn("failed to renew session lock", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("session lock lost", "key", key)
				return
			}
		}
	}
}
