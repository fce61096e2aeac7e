// Package ratelimit counts hits per key within an expiring window.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is how long a key's count survives after its last hit.
const DefaultWindow = 60 * time.Minute

// Counter records a hit for key and returns the number of hits in the
// current window. Every hit extends the window.
type Counter interface {
	Hit(ctx context.Context, key string) (int64, error)
}

// ClientKey derives a stable key for an anonymous client.
func ClientKey(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + " " + userAgent))
	return hex.EncodeToString(sum[:16])
}

type visitor struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	window    time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func NewMemoryCounter(window time.Duration) *MemoryCounter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryCounter{
		visitors: make(map[string]*visitor),
		window:   window,
		now:      time.Now,
	}
}

func (m *MemoryCounter) Hit(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastPrune) > m.window {
		m.prune(now)
	}

	v, ok := m.visitors[key]
	if !ok || !now.Before(v.expiresAt) {
		v = &visitor{}
		m.visitors[key] = v
	}
	v.count++
	v.expiresAt = now.Add(m.window)
	return v.count, nil
}

// prune drops expired keys. Caller must hold mu.
func (m *MemoryCounter) prune(now time.Time) {
	for key, v := range m.visitors {
		if !now.Before(v.expiresAt) {
			delete(m.visitors, key)
		}
	}
	m.lastPrune = now
}

// RedisCounter shares counts between server instances.
type RedisCounter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedisCounter(client *redis.Client, prefix string, window time.Duration) *RedisCounter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisCounter{client: client, prefix: prefix, window: window}
}

func (r *RedisCounter) Hit(ctx context.Context, key string) (int64, error) {
	k := r.prefix + key
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, r.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count hit: %w", err)
	}
	return incr.Val(), nil
}
