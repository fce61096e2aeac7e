package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/ratelimit"
	"sendfiles/internal/server/session"
	"sendfiles/internal/server/storage"
)

// Finalizer turns a completed upload session into a permanent TransferFile.
// The file is moved once under a stored name fixed in the session, and the
// accounting (file record, transfer totals, monthly usage) is applied at most
// once, so a finalize interrupted at any step can simply be run again.
// Files are only attached to a transfer that is still uploading and unexpired.
type Finalizer struct {
	repo     database.Queries
	sessions session.Store
	store    storage.Store
	guard    *quota.Guard
	counter  ratelimit.Counter
	now      func() time.Time
}

// NewFinalizer creates a finalizer. counter may be nil.
func NewFinalizer(repo database.Queries, sessions session.Store, store storage.Store, guard *quota.Guard, counter ratelimit.Counter) *Finalizer {
	return &Finalizer{
		repo:     repo,
		sessions: sessions,
		store:    store,
		guard:    guard,
		counter:  counter,
		now:      time.Now,
	}
}

// Finalize completes the upload with the given session id and returns its
// file record. If the session is already gone but its file exists, that file
// is returned.
func (f *Finalizer) Finalize(ctx context.Context, id string) (*database.TransferFile, error) {
	sess, err := f.sessions.MarkFinalizing(ctx, id, newID())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return f.existing(ctx, id)
		case errors.Is(err, session.ErrIncomplete):
			return nil, fmt.Errorf("%w: upload is not complete", ErrInvalidState)
		}
		return nil, err
	}

	var (
		file    *database.TransferFile
		created bool
	)
	err = f.repo.InTx(ctx, func(q database.Queries) error {
		t, err := q.LockTransfer(ctx, sess.TransferID)
		if err != nil {
			if errors.Is(err, database.ErrTransferNotFound) {
				return fmt.Errorf("%w: transfer no longer exists", ErrInvalidState)
			}
			return err
		}

		existing, err := q.GetFileByUploadID(ctx, sess.ID)
		if err == nil {
			file = existing
			return nil
		}
		if !errors.Is(err, database.ErrFileNotFound) {
			return err
		}

		// The session and its bytes stay put so nothing is lost; the reaper
		// reclaims them once the session expires.
		if t.Status != database.StatusUploading || t.IsExpired(f.now()) {
			return fmt.Errorf("%w: transfer no longer accepts files", ErrInvalidState)
		}

		if err := f.move(sess); err != nil {
			return err
		}

		mimeType := detectMimeType(sess.MimeType, sess.Filename, f.store.Path(sess.StoredName))
		file = &database.TransferFile{
			ID:             newUUID(),
			TransferID:     sess.TransferID,
			UploadID:       sess.ID,
			OriginalName:   sess.Filename,
			StoredName:     sess.StoredName,
			Size:           sess.Length,
			MimeType:       mimeType,
			UploadComplete: true,
			PreviewType:    detectPreviewType(sess.Filename, mimeType, sess.Length),
			UploadedAt:     f.now().UTC(),
		}
		created, err = q.CreateTransferFile(ctx, file)
		if err != nil {
			return err
		}
		if !created {
			file, err = q.GetFileByUploadID(ctx, sess.ID)
			return err
		}
		if err := q.AddTransferTotals(ctx, sess.TransferID, sess.Length); err != nil {
			return err
		}
		return f.guard.Using(q).Record(ctx, sess.Identity, sess.Length)
	})
	if err != nil {
		var storageErr *StorageError
		if errors.Is(err, ErrInvalidState) || errors.As(err, &storageErr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record finalized upload: %w", err)
	}

	if created {
		if f.counter != nil {
			if _, err := f.counter.Hit(ctx, "finalize:"+sess.Identity); err != nil {
				slog.Warn("failed to count finalized upload", "session_id", id, "error", err)
			}
		}
		slog.Info("upload finalized",
			"session_id", id,
			"transfer_id", sess.TransferID,
			"file_id", file.ID,
			"size", sess.Length,
			"mime_type", file.MimeType,
			"preview_type", file.PreviewType,
		)
	}

	// Last step: once the session is gone the reaper may reclaim its path.
	if err := f.sessions.Delete(ctx, id); err != nil {
		slog.Warn("failed to release finalized session", "session_id", id, "error", err)
	}
	return file, nil
}

// move relocates the temp file to permanent storage unless an earlier
// attempt already did.
func (f *Finalizer) move(sess *session.Session) error {
	if _, err := os.Stat(sess.TempPath); err == nil {
		if err := f.store.Import(sess.TempPath, sess.StoredName); err != nil {
			return &StorageError{Op: "finalize", Err: err}
		}
		return nil
	} else if !os.IsNotExist(err) {
		return &StorageError{Op: "finalize", Err: err}
	}

	ok, err := f.store.Exists(sess.StoredName)
	if err != nil {
		return &StorageError{Op: "finalize", Err: err}
	}
	if !ok {
		return &StorageError{Op: "finalize", Err: fmt.Errorf("temp file %s and stored file %s are both missing", sess.TempPath, sess.StoredName)}
	}
	return nil
}

func (f *Finalizer) existing(ctx context.Context, uploadID string) (*database.TransferFile, error) {
	file, err := f.repo.GetFileByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// detectMimeType trusts the client's type unless it is missing or generic,
// then falls back to the file extension and finally to sniffing the content.
func detectMimeType(declared, filename, path string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}

	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := file.Read(head)
	if n == 0 {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(head[:n]))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}
