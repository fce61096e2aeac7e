package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrFileNotFound     = errors.New("transfer file not found")
	ErrStatusConflict   = errors.New("transfer status changed concurrently")
	ErrDownloadLimit    = errors.New("download limit reached")
)

// Queries is the subset of repository operations that take part in upload
// finalization. Implementations returned to an InTx callback run every call
// inside the same database transaction.
type Queries interface {
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	LockTransfer(ctx context.Context, id string) (*Transfer, error)
	GetFileByUploadID(ctx context.Context, uploadID string) (*TransferFile, error)
	CreateTransferFile(ctx context.Context, f *TransferFile) (bool, error)
	AddTransferTotals(ctx context.Context, transferID string, size int64) error
	GetMonthlyUsage(ctx context.Context, identity string, year, month int) (*MonthlyUsage, error)
	AddMonthlyUsage(ctx context.Context, identity string, year, month int, bytes int64) error
	InTx(ctx context.Context, fn func(Queries) error) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides persistence for transfers, their files and usage counters.
type Repository struct {
	db *DB // nil when bound to a transaction
	q  querier
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, q: db.Pool}
}

// InTx runs fn with a repository bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(Queries) error) error {
	if r.db == nil {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		return fn(&Repository{q: tx})
	})
}

const transferColumns = `
	id, short_id, status, total_size, file_count, expires_at, max_downloads,
	download_count, sender_email, sender_ip, user_id, title, message,
	password_hash, recipient_emails, virus_scan_status, virus_scan_result, created_at`

func scanTransfer(row pgx.Row) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.ShortID,
		&t.Status,
		&t.TotalSize,
		&t.FileCount,
		&t.ExpiresAt,
		&t.MaxDownloads,
		&t.DownloadCount,
		&t.SenderEmail,
		&t.SenderIP,
		&t.UserID,
		&t.Title,
		&t.Message,
		&t.PasswordHash,
		&t.RecipientEmails,
		&t.ScanStatus,
		&t.ScanResult,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}
	return t, nil
}

// CreateTransfer inserts a new transfer record.
func (r *Repository) CreateTransfer(ctx context.Context, t *Transfer) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		t.ID,
		t.ShortID,
		t.Status,
		t.TotalSize,
		t.FileCount,
		t.ExpiresAt,
		t.MaxDownloads,
		t.DownloadCount,
		t.SenderEmail,
		t.SenderIP,
		t.UserID,
		t.Title,
		t.Message,
		t.PasswordHash,
		t.RecipientEmails,
		t.ScanStatus,
		t.ScanResult,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// GetTransfer retrieves a transfer by its ID.
func (r *Repository) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	return scanTransfer(r.q.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

// LockTransfer reads a transfer and, inside a transaction, holds its row
// lock until commit so status changes wait for the caller.
func (r *Repository) LockTransfer(ctx context.Context, id string) (*Transfer, error) {
	return scanTransfer(r.q.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
}

// GetTransferByShortID retrieves a transfer by its public share id.
func (r *Repository) GetTransferByShortID(ctx context.Context, shortID string) (*Transfer, error) {
	return scanTransfer(r.q.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE short_id = $1`, shortID))
}

// AddTransferTotals grows a transfer's aggregates by one file of the given size.
func (r *Repository) AddTransferTotals(ctx context.Context, transferID string, size int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transfers
		SET total_size = total_size + $2, file_count = file_count + 1
		WHERE id = $1
	`, transferID, size)
	if err != nil {
		return fmt.Errorf("failed to update transfer totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// MarkReady moves a transfer from uploading to ready. It fails with
// ErrStatusConflict when the transfer is not uploading or when its file
// count is no longer fileCount.
func (r *Repository) MarkReady(ctx context.Context, id string, fileCount int) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transfers SET status = $2
		WHERE id = $1 AND status = $3 AND file_count = $4 AND file_count > 0
	`, id, StatusReady, StatusUploading, fileCount)
	if err != nil {
		return fmt.Errorf("failed to mark transfer ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetTransferStatus overwrites a transfer's status.
func (r *Repository) SetTransferStatus(ctx context.Context, id string, status TransferStatus) error {
	tag, err := r.q.Exec(ctx, "UPDATE transfers SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("failed to set transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// SetScanResult stores the antivirus outcome for a transfer.
func (r *Repository) SetScanResult(ctx context.Context, id string, status ScanStatus, result string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE transfers SET virus_scan_status = $2, virus_scan_result = $3 WHERE id = $1
	`, id, status, result)
	if err != nil {
		return fmt.Errorf("failed to store scan result: %w", err)
	}
	return nil
}

// IncrementDownloadCount atomically increments the download counter unless the
// transfer's download cap has already been reached.
func (r *Repository) IncrementDownloadCount(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transfers SET download_count = download_count + 1
		WHERE id = $1 AND (max_downloads IS NULL OR download_count < max_downloads)
	`, id)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDownloadLimit
	}
	return nil
}

// GetExpired returns live transfers whose expiration time has passed.
func (r *Repository) GetExpired(ctx context.Context, now time.Time) ([]*Transfer, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers WHERE expires_at < $1 AND status IN ($2, $3)
	`, now, StatusUploading, StatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

const fileColumns = `
	id, transfer_id, upload_id, original_name, stored_name, size, mime_type,
	upload_complete, preview_type, uploaded_at`

func scanFile(row pgx.Row) (*TransferFile, error) {
	f := &TransferFile{}
	err := row.Scan(
		&f.ID,
		&f.TransferID,
		&f.UploadID,
		&f.OriginalName,
		&f.StoredName,
		&f.Size,
		&f.MimeType,
		&f.UploadComplete,
		&f.PreviewType,
		&f.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to scan transfer file: %w", err)
	}
	return f, nil
}

// CreateTransferFile inserts a file record. It reports false without error
// when a record for the same upload already exists.
func (r *Repository) CreateTransferFile(ctx context.Context, f *TransferFile) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO transfer_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (upload_id) DO NOTHING
	`,
		f.ID,
		f.TransferID,
		f.UploadID,
		f.OriginalName,
		f.StoredName,
		f.Size,
		f.MimeType,
		f.UploadComplete,
		f.PreviewType,
		f.UploadedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create transfer file: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetFileByUploadID finds the file produced by an upload session.
func (r *Repository) GetFileByUploadID(ctx context.Context, uploadID string) (*TransferFile, error) {
	return scanFile(r.q.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM transfer_files WHERE upload_id = $1`, uploadID))
}

// GetFile retrieves one file of a transfer.
func (r *Repository) GetFile(ctx context.Context, transferID, fileID string) (*TransferFile, error) {
	return scanFile(r.q.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM transfer_files WHERE transfer_id = $1 AND id = $2`,
		transferID, fileID))
}

// ListFiles returns the completed files of a transfer ordered by name.
func (r *Repository) ListFiles(ctx context.Context, transferID string) ([]*TransferFile, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+fileColumns+`
		FROM transfer_files WHERE transfer_id = $1 AND upload_complete
		ORDER BY original_name
	`, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer files: %w", err)
	}
	defer rows.Close()

	var files []*TransferFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateDownloadEvent records a download for analytics.
func (r *Repository) CreateDownloadEvent(ctx context.Context, e *DownloadEvent) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO download_events (transfer_id, file_id, ip_address, user_agent, is_full_download, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.TransferID, e.FileID, e.IPAddress, e.UserAgent, e.IsFullDownload, e.DownloadedAt)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalTransfers  int64
	ActiveTransfers int64
	TotalDownloads  int64
	StorageUsed     int64
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'ready' AND expires_at > NOW()),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(total_size) FILTER (WHERE status IN ('uploading', 'ready')), 0)
		FROM transfers
	`).Scan(
		&stats.TotalTransfers,
		&stats.ActiveTransfers,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
