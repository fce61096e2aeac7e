package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/session"
)

// TransferRepository is the persistence the cleanup loop needs.
type TransferRepository interface {
	GetExpired(ctx context.Context, now time.Time) ([]*database.Transfer, error)
	ListFiles(ctx context.Context, transferID string) ([]*database.TransferFile, error)
	SetTransferStatus(ctx context.Context, id string, status database.TransferStatus) error
}

// CleanupService periodically expires transfers past their deadline and
// reclaims temp files left behind by abandoned upload sessions.
type CleanupService struct {
	repo       TransferRepository
	store      Store
	scratch    *ScratchDir
	sessions   session.Store
	sessionTTL time.Duration
	interval   time.Duration
	now        func() time.Time
	done       chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo TransferRepository, store Store, scratch *ScratchDir, sessions session.Store, sessionTTL, interval time.Duration) *CleanupService {
	return &CleanupService{
		repo:       repo,
		store:      store,
		scratch:    scratch,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		interval:   interval,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	slog.Info("running cleanup cycle")
	cs.expireTransfers(ctx)
	cs.ReapOrphans(ctx)
}

func (cs *CleanupService) expireTransfers(ctx context.Context) {
	expired, err := cs.repo.GetExpired(ctx, cs.now())
	if err != nil {
		slog.Error("failed to get expired transfers", "error", err)
		return
	}

	if len(expired) == 0 {
		slog.Info("no expired transfers to clean up")
		return
	}

	var cleaned, failed int
	for _, t := range expired {
		if err := cs.expire(ctx, t); err != nil {
			slog.Error("failed to expire transfer",
				"transfer_id", t.ID,
				"error", err,
			)
			failed++
			continue
		}

		cleaned++
		slog.Info("expired transfer",
			"transfer_id", t.ID,
			"short_id", t.ShortID,
			"files", t.FileCount,
			"expired_at", t.ExpiresAt,
		)
	}

	slog.Info("transfer cleanup complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)
}

func (cs *CleanupService) expire(ctx context.Context, t *database.Transfer) error {
	files, err := cs.repo.ListFiles(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := cs.store.Delete(f.StoredName); err != nil {
			return err
		}
	}
	return cs.repo.SetTransferStatus(ctx, t.ID, database.StatusExpired)
}

type sweeper interface {
	Sweep() int
}

// ReapOrphans removes temp files whose session no longer exists and that have
// not been written to for a full session TTL. Session existence is checked
// right before each removal so a file still needed by a finalize is kept.
func (cs *CleanupService) ReapOrphans(ctx context.Context) int {
	if sw, ok := cs.sessions.(sweeper); ok {
		if n := sw.Sweep(); n > 0 {
			slog.Info("dropped expired sessions", "count", n)
		}
	}

	stale, err := cs.scratch.Stale(cs.now().Add(-cs.sessionTTL))
	if err != nil {
		slog.Error("failed to list temp files", "error", err)
		return 0
	}

	reaped := 0
	for _, id := range stale {
		_, err := cs.sessions.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, session.ErrNotFound) {
			slog.Error("failed to look up session", "session_id", id, "error", err)
			continue
		}
		if err := cs.scratch.Remove(cs.scratch.Path(id)); err != nil {
			slog.Error("failed to remove orphaned temp file", "session_id", id, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		slog.Info("reclaimed orphaned temp files", "count", reaped)
	}
	return reaped
}
