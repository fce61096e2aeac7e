package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, time.Minute), mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLocker(t)

	unlock, err := l.Lock(ctx, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "abc"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to wait, got %v", err)
	}

	other, err := l.Lock(ctx, "xyz")
	if err != nil {
		t.Fatalf("locks on different sessions must not block: %v", err)
	}
	other()

	acquired := make(chan func())
	go func() {
		u, err := l.Lock(ctx, "abc")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			close(acquired)
			return
		}
		acquired <- u
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock()

	select {
	case u := <-acquired:
		if u != nil {
			u()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock not handed over after release")
	}
}

func TestRedisLocker_ExpiredHolderCannotRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	stale, err := l.Lock(ctx, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	current, err := l.Lock(ctx, "abc")
	if err != nil {
		t.Fatalf("expected lock after lease expiry: %v", err)
	}
	defer current()

	stale()
	if !mr.Exists(lockPrefix + "abc") {
		t.Fatal("stale holder released a lock it no longer owns")
	}
}
