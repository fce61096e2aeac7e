package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/session"
	"sendfiles/internal/server/storage"
)

// fakeRepo is an in-memory Repository. InTx snapshots state and restores it
// when the callback fails.
type fakeRepo struct {
	mu        sync.Mutex
	transfers map[string]*database.Transfer
	files     map[string]*database.TransferFile
	usage     map[string]int64
	usageN    map[string]int
	events    []*database.DownloadEvent

	failTotals int // AddTransferTotals fails this many more times
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		transfers: make(map[string]*database.Transfer),
		files:     make(map[string]*database.TransferFile),
		usage:     make(map[string]int64),
		usageN:    make(map[string]int),
	}
}

func usageKey(identity string, year, month int) string {
	return fmt.Sprintf("%s|%d|%d", identity, year, month)
}

func (r *fakeRepo) InTx(ctx context.Context, fn func(database.Queries) error) error {
	r.mu.Lock()
	files := make(map[string]*database.TransferFile, len(r.files))
	for k, v := range r.files {
		files[k] = v
	}
	transfers := make(map[string]database.Transfer, len(r.transfers))
	for k, v := range r.transfers {
		transfers[k] = *v
	}
	usage := make(map[string]int64, len(r.usage))
	for k, v := range r.usage {
		usage[k] = v
	}
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.files = files
		for k, v := range transfers {
			t := v
			r.transfers[k] = &t
		}
		r.usage = usage
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *fakeRepo) CreateTransfer(ctx context.Context, t *database.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	r.transfers[t.ID] = &c
	return nil
}

func (r *fakeRepo) GetTransfer(ctx context.Context, id string) (*database.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, database.ErrTransferNotFound
	}
	c := *t
	return &c, nil
}

func (r *fakeRepo) GetTransferByShortID(ctx context.Context, shortID string) (*database.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.ShortID == shortID {
			c := *t
			return &c, nil
		}
	}
	return nil, database.ErrTransferNotFound
}

func (r *fakeRepo) AddTransferTotals(ctx context.Context, transferID string, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTotals > 0 {
		r.failTotals--
		return fmt.Errorf("connection reset")
	}
	t, ok := r.transfers[transferID]
	if !ok {
		return database.ErrTransferNotFound
	}
	t.TotalSize += size
	t.FileCount++
	return nil
}

func (r *fakeRepo) LockTransfer(ctx context.Context, id string) (*database.Transfer, error) {
	return r.GetTransfer(ctx, id)
}

func (r *fakeRepo) MarkReady(ctx context.Context, id string, fileCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok || t.Status != database.StatusUploading || t.FileCount == 0 || t.FileCount != fileCount {
		return database.ErrStatusConflict
	}
	t.Status = database.StatusReady
	return nil
}

func (r *fakeRepo) SetScanResult(ctx context.Context, id string, status database.ScanStatus, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transfers[id]; ok {
		t.ScanStatus = status
		t.ScanResult = result
	}
	return nil
}

func (r *fakeRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.transfers[id]
	if t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads {
		return database.ErrDownloadLimit
	}
	t.DownloadCount++
	return nil
}

func (r *fakeRepo) CreateTransferFile(ctx context.Context, f *database.TransferFile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.files {
		if existing.UploadID == f.UploadID {
			return false, nil
		}
	}
	c := *f
	r.files[f.ID] = &c
	return true, nil
}

func (r *fakeRepo) GetFileByUploadID(ctx context.Context, uploadID string) (*database.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.UploadID == uploadID {
			c := *f
			return &c, nil
		}
	}
	return nil, database.ErrFileNotFound
}

func (r *fakeRepo) GetFile(ctx context.Context, transferID, fileID string) (*database.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.TransferID != transferID {
		return nil, database.ErrFileNotFound
	}
	c := *f
	return &c, nil
}

func (r *fakeRepo) ListFiles(ctx context.Context, transferID string) ([]*database.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*database.TransferFile
	for _, f := range r.files {
		if f.TransferID == transferID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalName < out[j].OriginalName })
	return out, nil
}

func (r *fakeRepo) GetMonthlyUsage(ctx context.Context, identity string, year, month int) (*database.MonthlyUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := usageKey(identity, year, month)
	return &database.MonthlyUsage{
		Identity:         identity,
		Year:             year,
		Month:            month,
		BytesTransferred: r.usage[k],
		TransferCount:    r.usageN[k],
	}, nil
}

func (r *fakeRepo) AddMonthlyUsage(ctx context.Context, identity string, year, month int, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := usageKey(identity, year, month)
	r.usage[k] += bytes
	r.usageN[k]++
	return nil
}

func (r *fakeRepo) CreateDownloadEvent(ctx context.Context, e *database.DownloadEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeRepo) GetStats(ctx context.Context) (*database.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &database.Stats{TotalTransfers: int64(len(r.transfers))}, nil
}

func (r *fakeRepo) fileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func (r *fakeRepo) usedBytes(identity string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for k, v := range r.usage {
		if len(k) > len(identity) && k[:len(identity)+1] == identity+"|" {
			total += v
		}
	}
	return total
}

var anonymous = quota.Identity{IP: "203.0.113.7"}

type harness struct {
	repo      *fakeRepo
	sessions  *session.MemoryStore
	scratch   *storage.ScratchDir
	store     *storage.FileSystemStore
	guard     *quota.Guard
	finalizer *Finalizer
	uploads   *UploadService
}

func newHarness(t *testing.T, budget int64) *harness {
	t.Helper()
	h := &harness{
		repo:     newFakeRepo(),
		sessions: session.NewMemoryStore(time.Hour),
		scratch:  storage.NewScratchDir(t.TempDir()),
		store:    storage.NewFileSystemStore(t.TempDir()),
	}
	h.guard = quota.NewGuard(h.repo, budget)
	h.finalizer = NewFinalizer(h.repo, h.sessions, h.store, h.guard, nil)
	h.uploads = NewUploadService(h.repo, h.sessions, h.scratch, storage.NewChunkWriter(nil), nil, h.guard, h.finalizer, 10*1024*1024)

	h.repo.CreateTransfer(context.Background(), &database.Transfer{
		ID:        "t1",
		ShortID:   "short001",
		Status:    database.StatusUploading,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	return h
}

func (h *harness) transfer(t *testing.T) *database.Transfer {
	t.Helper()
	tr, err := h.repo.GetTransfer(context.Background(), "t1")
	if err != nil {
		t.Fatalf("failed to load transfer: %v", err)
	}
	return tr
}

var farFuture = time.Now().Add(24 * time.Hour)
