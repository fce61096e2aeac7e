package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	ErrChunkTooLarge = errors.New("chunk exceeds remaining length")
	ErrDiskBehind    = errors.New("temp file is shorter than expected offset")
)

// Locker hands out one mutex per key and forgets keys nobody holds.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// ChunkWriter appends upload chunks to session temp files. Callers hold
// Lock(id) for the session across the write and the offset commit that
// follows it, so at most one write per session is in flight.
type ChunkWriter struct {
	locks *Locker
}

func NewChunkWriter(locks *Locker) *ChunkWriter {
	if locks == nil {
		locks = NewLocker()
	}
	return &ChunkWriter{locks: locks}
}

// Lock acquires the single-writer lock for a session.
func (w *ChunkWriter) Lock(id string) func() {
	return w.locks.Lock(id)
}

// Append writes at most limit bytes from r to path starting at offset, which
// must equal the number of bytes already committed for the session. Bytes past
// offset left over from an earlier interrupted write are discarded first. If r
// holds more than limit bytes, nothing is kept and ErrChunkTooLarge is
// returned. On any error the file is truncated back to offset.
func (w *ChunkWriter) Append(path string, offset int64, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open temp file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat temp file: %w", err)
	}
	if info.Size() < offset {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrDiskBehind, info.Size(), offset)
	}
	if info.Size() > offset {
		if err := f.Truncate(offset); err != nil {
			return 0, fmt.Errorf("failed to discard stale bytes: %w", err)
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek temp file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, limit))
	if err != nil {
		f.Truncate(offset)
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}

	var next [1]byte
	if extra, _ := io.ReadFull(r, next[:]); extra > 0 {
		f.Truncate(offset)
		return 0, ErrChunkTooLarge
	}

	if err := f.Sync(); err != nil {
		f.Truncate(offset)
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}
	return n, nil
}

// Rollback truncates path back to offset after a write whose commit failed.
func (w *ChunkWriter) Rollback(path string, offset int64) error {
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("failed to roll back temp file: %w", err)
	}
	return nil
}
