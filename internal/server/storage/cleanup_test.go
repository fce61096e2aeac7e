package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/session"
)

type fakeRepo struct {
	expired  []*database.Transfer
	files    map[string][]*database.TransferFile
	statuses map[string]database.TransferStatus
}

func (f *fakeRepo) GetExpired(ctx context.Context, now time.Time) ([]*database.Transfer, error) {
	return f.expired, nil
}

func (f *fakeRepo) ListFiles(ctx context.Context, transferID string) ([]*database.TransferFile, error) {
	return f.files[transferID], nil
}

func (f *fakeRepo) SetTransferStatus(ctx context.Context, id string, status database.TransferStatus) error {
	f.statuses[id] = status
	return nil
}

func TestCleanupService_ExpiresTransfers(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemStore(dir)
	writeTemp(t, dir, "stored-a", "a")
	writeTemp(t, dir, "stored-b", "b")

	repo := &fakeRepo{
		expired: []*database.Transfer{{ID: "t1", ShortID: "abcd1234"}},
		files: map[string][]*database.TransferFile{
			"t1": {{StoredName: "stored-a"}, {StoredName: "stored-b"}},
		},
		statuses: map[string]database.TransferStatus{},
	}
	scratch := NewScratchDir(t.TempDir())
	cs := NewCleanupService(repo, store, scratch, session.NewMemoryStore(time.Hour), time.Hour, time.Hour)

	cs.runCleanup(context.Background())

	if repo.statuses["t1"] != database.StatusExpired {
		t.Errorf("expected transfer marked expired, got %q", repo.statuses["t1"])
	}
	for _, name := range []string{"stored-a", "stored-b"} {
		if ok, _ := store.Exists(name); ok {
			t.Errorf("expected %s to be deleted", name)
		}
	}
}

func TestCleanupService_ReapOrphans(t *testing.T) {
	ctx := context.Background()
	scratch := NewScratchDir(t.TempDir())
	sessions := session.NewMemoryStore(48 * time.Hour)

	orphan, _ := scratch.Create("orphan")
	live, _ := scratch.Create("live")
	fresh, _ := scratch.Create("fresh")

	old := time.Now().Add(-25 * time.Hour)
	os.Chtimes(orphan, old, old)
	os.Chtimes(live, old, old)

	sessions.Create(ctx, &session.Session{ID: "live", Length: 10, TempPath: live})

	repo := &fakeRepo{statuses: map[string]database.TransferStatus{}}
	cs := NewCleanupService(repo, NewFileSystemStore(t.TempDir()), scratch, sessions, 24*time.Hour, time.Hour)

	if n := cs.ReapOrphans(ctx); n != 1 {
		t.Errorf("expected 1 reaped file, got %d", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphaned temp file to be removed")
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("temp file with a live session must be kept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("recent temp file must be kept")
	}
}
