package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"sendfiles/internal/server/auth"
	"sendfiles/internal/server/database"
	"sendfiles/internal/server/notify"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/ratelimit"
	"sendfiles/internal/server/scan"
	"sendfiles/internal/server/service"
	"sendfiles/internal/server/session"
	"sendfiles/internal/server/storage"

	"github.com/labstack/echo/v4"
)

// memRepo is an in-memory service.Repository.
type memRepo struct {
	mu        sync.Mutex
	transfers map[string]*database.Transfer
	files     map[string]*database.TransferFile
	usage     map[string]int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		transfers: make(map[string]*database.Transfer),
		files:     make(map[string]*database.TransferFile),
		usage:     make(map[string]int64),
	}
}

func (r *memRepo) InTx(ctx context.Context, fn func(database.Queries) error) error {
	return fn(r)
}

func (r *memRepo) CreateTransfer(ctx context.Context, t *database.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	r.transfers[t.ID] = &c
	return nil
}

func (r *memRepo) GetTransfer(ctx context.Context, id string) (*database.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, database.ErrTransferNotFound
	}
	c := *t
	return &c, nil
}

func (r *memRepo) GetTransferByShortID(ctx context.Context, shortID string) (*database.Transfer, error) {
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

func (r *memRepo) AddTransferTotals(ctx context.Context, transferID string, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[transferID]
	if !ok {
		return database.ErrTransferNotFound
	}
	t.TotalSize += size
	t.FileCount++
	return nil
}

func (r *memRepo) LockTransfer(ctx context.Context, id string) (*database.Transfer, error) {
	return r.GetTransfer(ctx, id)
}

func (r *memRepo) MarkReady(ctx context.Context, id string, fileCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok || t.Status != database.StatusUploading || t.FileCount == 0 || t.FileCount != fileCount {
		return database.ErrStatusConflict
	}
	t.Status = database.StatusReady
	return nil
}

func (r *memRepo) SetScanResult(ctx context.Context, id string, status database.ScanStatus, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transfers[id]; ok {
		t.ScanStatus = status
		t.ScanResult = result
	}
	return nil
}

func (r *memRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.transfers[id]
	if t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads {
		return database.ErrDownloadLimit
	}
	t.DownloadCount++
	return nil
}

func (r *memRepo) CreateTransferFile(ctx context.Context, f *database.TransferFile) (bool, error) {
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

func (r *memRepo) GetFileByUploadID(ctx context.Context, uploadID string) (*database.TransferFile, error) {
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

func (r *memRepo) GetFile(ctx context.Context, transferID, fileID string) (*database.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.TransferID != transferID {
		return nil, database.ErrFileNotFound
	}
	c := *f
	return &c, nil
}

func (r *memRepo) ListFiles(ctx context.Context, transferID string) ([]*database.TransferFile, error) {
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

func (r *memRepo) GetMonthlyUsage(ctx context.Context, identity string, year, month int) (*database.MonthlyUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &database.MonthlyUsage{
		Identity:         identity,
		Year:             year,
		Month:            month,
		BytesTransferred: r.usage[fmt.Sprintf("%s|%d|%d", identity, year, month)],
	}, nil
}

func (r *memRepo) AddMonthlyUsage(ctx context.Context, identity string, year, month int, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[fmt.Sprintf("%s|%d|%d", identity, year, month)] += bytes
	return nil
}

func (r *memRepo) CreateDownloadEvent(ctx context.Context, e *database.DownloadEvent) error {
	return nil
}

func (r *memRepo) GetStats(ctx context.Context) (*database.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &database.Stats{TotalTransfers: int64(len(r.transfers))}, nil
}

const testSecret = "test-secret"

type testServer struct {
	e        *echo.Echo
	repo     *memRepo
	store    *storage.FileSystemStore
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, budget int64, rateLimit int64) *testServer {
	t.Helper()
	repo := newMemRepo()
	sessions := session.NewMemoryStore(time.Hour)
	scratch := storage.NewScratchDir(t.TempDir())
	store := storage.NewFileSystemStore(t.TempDir())
	guard := quota.NewGuard(repo, budget)
	counter := ratelimit.NewMemoryCounter(time.Hour)
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier("http://files.test"))
	t.Cleanup(dispatcher.Wait)

	finalizer := service.NewFinalizer(repo, sessions, store, guard, counter)
	uploads := service.NewUploadService(repo, sessions, scratch, storage.NewChunkWriter(nil), nil, guard, finalizer, 1<<20)
	transfers := service.NewTransferService(repo, store, guard, scan.Noop{}, dispatcher, counter, service.TransferOptions{
		BaseURL: "http://files.test",
	})

	verifier := auth.NewVerifier(testSecret)
	handler := NewHandler(transfers, map[string]HealthCheck{"sessions": sessions.Ping})
	e := SetupRouter(handler, NewTusHandler(uploads, "http://files.test"), RouterConfig{
		Verifier:  verifier,
		Counter:   counter,
		RateLimit: rateLimit,
	})
	return &testServer{e: e, repo: repo, store: store, verifier: verifier}
}

func (s *testServer) do(t *testing.T, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}
