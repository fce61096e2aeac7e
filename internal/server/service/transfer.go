package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/notify"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/ratelimit"
	"sendfiles/internal/server/scan"
	"sendfiles/internal/server/storage"

	"golang.org/x/crypto/bcrypt"
)

// Repository is the persistence TransferService depends on.
type Repository interface {
	database.Queries
	CreateTransfer(ctx context.Context, t *database.Transfer) error
	GetTransferByShortID(ctx context.Context, shortID string) (*database.Transfer, error)
	MarkReady(ctx context.Context, id string, fileCount int) error
	SetScanResult(ctx context.Context, id string, status database.ScanStatus, result string) error
	IncrementDownloadCount(ctx context.Context, id string) error
	ListFiles(ctx context.Context, transferID string) ([]*database.TransferFile, error)
	GetFile(ctx context.Context, transferID, fileID string) (*database.TransferFile, error)
	CreateDownloadEvent(ctx context.Context, e *database.DownloadEvent) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// TransferOptions configures transfer lifetimes and links.
type TransferOptions struct {
	BaseURL       string
	DefaultExpiry time.Duration
	MaxExpiryDays int
}

// CreateTransferRequest holds the sender's choices for a new transfer.
type CreateTransferRequest struct {
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	SenderEmail    string   `json:"sender_email"`
	Recipients     []string `json:"recipients"`
	Password       string   `json:"password"`
	ExpirationDays int      `json:"expiration_days"`
	MaxDownloads   *int     `json:"max_downloads"`
}

// TransferResult is returned when a transfer is created or marked ready.
type TransferResult struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"short_id"`
	Status    string    `json:"status"`
	UploadURL string    `json:"upload_url"`
	ShareURL  string    `json:"share_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileInfo describes one downloadable file.
type FileInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mime_type"`
	PreviewType string `json:"preview_type"`
}

// TransferInfo is returned for metadata queries.
type TransferInfo struct {
	ShortID       string     `json:"short_id"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	TotalSize     int64      `json:"total_size"`
	FileCount     int        `json:"file_count"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DownloadCount int        `json:"download_count"`
	MaxDownloads  *int       `json:"max_downloads,omitempty"`
	HasPassword   bool       `json:"has_password"`
	Files         []FileInfo `json:"files"`
}

// DownloadRequest identifies a file download and the client asking for it.
type DownloadRequest struct {
	ShortID   string
	FileID    string
	Password  string
	IP        string
	UserAgent string
}

// Download is a file ready to be served.
type Download struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
}

// TransferService manages the transfer lifecycle around uploads: creation,
// marking ready, metadata and downloads.
type TransferService struct {
	repo     Repository
	store    storage.Store
	guard    *quota.Guard
	scanner  scan.Scanner
	notifier *notify.Dispatcher
	counter  ratelimit.Counter
	opts     TransferOptions
	now      func() time.Time
}

// NewTransferService creates a new transfer service. counter throttles
// download notifications and may be nil.
func NewTransferService(repo Repository, store storage.Store, guard *quota.Guard, scanner scan.Scanner, notifier *notify.Dispatcher, counter ratelimit.Counter, opts TransferOptions) *TransferService {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = 14 * 24 * time.Hour
	}
	if opts.MaxExpiryDays <= 0 {
		opts.MaxExpiryDays = 14
	}
	return &TransferService{
		repo:     repo,
		store:    store,
		guard:    guard,
		scanner:  scanner,
		notifier: notifier,
		counter:  counter,
		opts:     opts,
		now:      time.Now,
	}
}

// Create opens a new transfer in the uploading state.
func (s *TransferService) Create(ctx context.Context, id quota.Identity, req CreateTransferRequest) (*TransferResult, error) {
	if req.ExpirationDays < 0 {
		return nil, fmt.Errorf("%w: expiration_days must not be negative", ErrInvalidRequest)
	}
	if req.MaxDownloads != nil && *req.MaxDownloads <= 0 {
		return nil, fmt.Errorf("%w: max_downloads must be positive", ErrInvalidRequest)
	}
	if req.SenderEmail != "" {
		if _, err := mail.ParseAddress(req.SenderEmail); err != nil {
			return nil, fmt.Errorf("%w: invalid sender_email", ErrInvalidRequest)
		}
	}
	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidRequest, r)
		}
		recipients = append(recipients, r)
	}

	expiry := s.opts.DefaultExpiry
	if req.ExpirationDays > 0 {
		days := req.ExpirationDays
		if days > s.opts.MaxExpiryDays {
			days = s.opts.MaxExpiryDays
		}
		expiry = time.Duration(days) * 24 * time.Hour
	}

	shortID, err := generateSecureToken(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate short id: %w", err)
	}

	var passwordHash *string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	var userID *string
	if id.UserID != "" {
		u := id.UserID
		userID = &u
	}

	now := s.now().UTC()
	t := &database.Transfer{
		ID:              newUUID(),
		ShortID:         shortID,
		Status:          database.StatusUploading,
		ExpiresAt:       now.Add(expiry),
		MaxDownloads:    req.MaxDownloads,
		SenderEmail:     req.SenderEmail,
		SenderIP:        id.IP,
		UserID:          userID,
		Title:           strings.TrimSpace(req.Title),
		Message:         req.Message,
		PasswordHash:    passwordHash,
		RecipientEmails: strings.Join(recipients, ","),
		ScanStatus:      database.ScanPending,
		CreatedAt:       now,
	}
	if err := s.repo.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}

	slog.Info("transfer created",
		"transfer_id", t.ID,
		"short_id", t.ShortID,
		"identity", id.Key(),
		"expires_at", t.ExpiresAt,
	)
	return s.result(t), nil
}

// MarkReady closes a transfer for uploads once it has at least one file. Every
// file is scanned first; an infected transfer stays closed to downloads.
func (s *TransferService) MarkReady(ctx context.Context, transferID string) (*TransferResult, error) {
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.Status != database.StatusUploading {
		return nil, fmt.Errorf("%w: transfer already finalized", ErrInvalidState)
	}
	if t.FileCount == 0 {
		return nil, ErrNoFiles
	}

	files, err := s.repo.ListFiles(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	status, report := s.scanFiles(ctx, files)
	if err := s.repo.SetScanResult(ctx, t.ID, status, report); err != nil {
		return nil, err
	}
	if status != database.ScanClean {
		slog.Warn("transfer failed virus scan", "transfer_id", t.ID, "status", status)
		return nil, ErrInfected
	}

	// Only the files scanned above may be published.
	if err := s.repo.MarkReady(ctx, t.ID, len(files)); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: transfer changed while it was being finalized", ErrInvalidState)
		}
		return nil, err
	}
	t.Status = database.StatusReady

	if s.notifier != nil {
		s.notifier.Go("transfer_ready", func(ctx context.Context, n notify.Notifier) error {
			return n.TransferReady(ctx, t, files)
		})
	}

	slog.Info("transfer ready", "transfer_id", t.ID, "files", len(files), "total_size", t.TotalSize)
	return s.result(t), nil
}

func (s *TransferService) scanFiles(ctx context.Context, files []*database.TransferFile) (database.ScanStatus, string) {
	status := database.ScanClean
	lines := make([]string, 0, len(files))
	for _, f := range files {
		res := s.scanner.Scan(ctx, s.store.Path(f.StoredName))
		switch res.Verdict {
		case scan.Infected:
			status = database.ScanInfected
		case scan.Failed:
			if status == database.ScanClean {
				status = database.ScanError
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", f.OriginalName, res.Message))
	}
	return status, strings.Join(lines, "\n")
}

// Info returns metadata for a ready transfer.
func (s *TransferService) Info(ctx context.Context, shortID string) (*TransferInfo, error) {
	t, err := s.readyTransfer(ctx, shortID)
	if err != nil {
		return nil, err
	}

	files, err := s.repo.ListFiles(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	info := &TransferInfo{
		ShortID:       t.ShortID,
		Title:         t.Title,
		Message:       t.Message,
		TotalSize:     t.TotalSize,
		FileCount:     t.FileCount,
		ExpiresAt:     t.ExpiresAt,
		DownloadCount: t.DownloadCount,
		MaxDownloads:  t.MaxDownloads,
		HasPassword:   t.PasswordHash != nil,
		Files:         make([]FileInfo, 0, len(files)),
	}
	for _, f := range files {
		info.Files = append(info.Files, FileInfo{
			ID:          f.ID,
			Name:        f.OriginalName,
			Size:        f.Size,
			MimeType:    f.MimeType,
			PreviewType: string(f.PreviewType),
		})
	}
	return info, nil
}

// Download checks access to one file of a transfer, counts the download and
// returns where the file lives.
func (s *TransferService) Download(ctx context.Context, req DownloadRequest) (*Download, error) {
	t, err := s.readyTransfer(ctx, req.ShortID)
	if err != nil {
		return nil, err
	}
	if t.IsDownloadLimited() {
		return nil, ErrDownloadLimit
	}
	if t.ScanStatus == database.ScanInfected {
		return nil, ErrInfected
	}

	// Check password if the transfer is password-protected
	if t.PasswordHash != nil {
		if req.Password == "" {
			return nil, ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*t.PasswordHash), []byte(req.Password)); err != nil {
			return nil, ErrInvalidPassword
		}
	}

	file, err := s.repo.GetFile(ctx, t.ID, req.FileID)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ok, err := s.store.Exists(file.StoredName)
	if err != nil {
		return nil, &StorageError{Op: "download", Err: err}
	}
	if !ok {
		slog.Error("stored file missing", "transfer_id", t.ID, "file_id", file.ID)
		return nil, ErrNotFound
	}

	if err := s.repo.IncrementDownloadCount(ctx, t.ID); err != nil {
		if errors.Is(err, database.ErrDownloadLimit) {
			return nil, ErrDownloadLimit
		}
		return nil, err
	}
	t.DownloadCount++

	fileID := file.ID
	event := &database.DownloadEvent{
		TransferID:     t.ID,
		FileID:         &fileID,
		IPAddress:      req.IP,
		UserAgent:      req.UserAgent,
		IsFullDownload: true,
		DownloadedAt:   s.now().UTC(),
	}
	// Analytics are best-effort, don't fail the download
	if err := s.repo.CreateDownloadEvent(ctx, event); err != nil {
		slog.Error("failed to record download", "transfer_id", t.ID, "error", err)
	}
	s.notifyDownloaded(ctx, t, event)

	return &Download{
		Path:     s.store.Path(file.StoredName),
		Filename: file.OriginalName,
		MimeType: file.MimeType,
		Size:     file.Size,
	}, nil
}

// notifyDownloaded tells the sender about a download, at most once per
// rate-limit window per transfer.
func (s *TransferService) notifyDownloaded(ctx context.Context, t *database.Transfer, e *database.DownloadEvent) {
	if s.notifier == nil || t.SenderEmail == "" {
		return
	}
	if s.counter != nil {
		n, err := s.counter.Hit(ctx, "download_notice:"+t.ID)
		if err != nil || n > 1 {
			return
		}
	}
	s.notifier.Go("downloaded", func(ctx context.Context, n notify.Notifier) error {
		return n.Downloaded(ctx, t, e)
	})
}

// Usage reports the identity's quota position for the current month.
func (s *TransferService) Usage(ctx context.Context, id quota.Identity) (*quota.Allowance, error) {
	return s.guard.Allowance(ctx, id)
}

// GetStats returns aggregate server statistics.
func (s *TransferService) GetStats(ctx context.Context) (*database.Stats, error) {
	return s.repo.GetStats(ctx)
}

func (s *TransferService) readyTransfer(ctx context.Context, shortID string) (*database.Transfer, error) {
	t, err := s.repo.GetTransferByShortID(ctx, shortID)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	if t.Status != database.StatusReady {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *TransferService) result(t *database.Transfer) *TransferResult {
	return &TransferResult{
		ID:        t.ID,
		ShortID:   t.ShortID,
		Status:    string(t.Status),
		UploadURL: fmt.Sprintf("%s/api/tus/%s/", s.opts.BaseURL, t.ID),
		ShareURL:  fmt.Sprintf("%s/d/%s", s.opts.BaseURL, t.ShortID),
		ExpiresAt: t.ExpiresAt,
	}
}
