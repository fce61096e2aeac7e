package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"sendfiles/internal/server/database"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/session"
	"sendfiles/internal/server/storage"
)

// CreateUploadRequest describes a new resumable upload.
type CreateUploadRequest struct {
	TransferID string
	Length     int64
	Filename   string
	MimeType   string
	Identity   quota.Identity

	// Body, when set, is appended immediately (creation-with-upload).
	Body io.Reader
}

// UploadStatus is the externally visible state of an upload session.
type UploadStatus struct {
	ID       string
	Offset   int64
	Length   int64
	Complete bool
	File     *database.TransferFile // set once finalized
}

// UploadService implements the resumable upload protocol: session creation,
// status, offset-checked appends and cancellation.
//
// Writers of one session are serialized in-process by the chunk writer and,
// when locks is set, across every instance sharing the session store.
type UploadService struct {
	repo      database.Queries
	sessions  session.Store
	scratch   *storage.ScratchDir
	writer    *storage.ChunkWriter
	locks     session.Locker
	guard     *quota.Guard
	finalizer *Finalizer
	maxSize   int64
	now       func() time.Time
}

// NewUploadService creates a new upload service. locks may be nil when a
// single instance owns the session store.
func NewUploadService(
	repo database.Queries,
	sessions session.Store,
	scratch *storage.ScratchDir,
	writer *storage.ChunkWriter,
	locks session.Locker,
	guard *quota.Guard,
	finalizer *Finalizer,
	maxSize int64,
) *UploadService {
	return &UploadService{
		repo:      repo,
		sessions:  sessions,
		scratch:   scratch,
		writer:    writer,
		locks:     locks,
		guard:     guard,
		finalizer: finalizer,
		maxSize:   maxSize,
		now:       time.Now,
	}
}

// MaxSize is the largest declared length accepted.
func (s *UploadService) MaxSize() int64 {
	return s.maxSize
}

// Create opens a new upload session for a transfer that is still accepting
// files. The quota check runs before anything is written to disk.
func (s *UploadService) Create(ctx context.Context, req CreateUploadRequest) (*UploadStatus, error) {
	if req.Length <= 0 {
		return nil, ErrInvalidLength
	}
	if req.Length > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSizeLimitExceeded, req.Length, s.maxSize)
	}

	transfer, err := s.repo.GetTransfer(ctx, req.TransferID)
	if err != nil {
		if errors.Is(err, database.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if transfer.Status != database.StatusUploading || transfer.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: transfer is not accepting uploads", ErrInvalidState)
	}

	if err := s.guard.Authorize(ctx, req.Identity, req.Length); err != nil {
		var qe *quota.ExceededError
		if errors.As(err, &qe) {
			return nil, &QuotaError{Remaining: qe.Remaining}
		}
		return nil, err
	}

	id := newID()
	tempPath, err := s.scratch.Create(id)
	if err != nil {
		return nil, &StorageError{Op: "create", Err: err}
	}

	now := s.now().UTC()
	sess := &session.Session{
		ID:           id,
		TransferID:   transfer.ID,
		Identity:     req.Identity.Key(),
		Length:       req.Length,
		TempPath:     tempPath,
		Filename:     sanitizeFilename(req.Filename),
		MimeType:     req.MimeType,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.scratch.Remove(tempPath)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	slog.Info("upload session created",
		"session_id", id,
		"transfer_id", transfer.ID,
		"length", req.Length,
		"filename", sess.Filename,
	)

	if req.Body != nil {
		st, err := s.Append(ctx, id, 0, req.Body)
		if err != nil {
			// The client never learns the upload URL, so nothing can resume it.
			s.discard(context.WithoutCancel(ctx), id)
			return nil, err
		}
		return st, nil
	}
	return &UploadStatus{ID: id, Length: req.Length}, nil
}

// discard drops a session and its bytes unless it already produced a file.
func (s *UploadService) discard(ctx context.Context, id string) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		slog.Warn("failed to discard upload session", "session_id", id, "error", err)
		return
	}
	defer unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return
	}
	if _, err := s.repo.GetFileByUploadID(ctx, id); err == nil {
		return
	}

	if sess.StoredName != "" {
		if err := s.finalizer.store.Delete(sess.StoredName); err != nil {
			slog.Warn("failed to remove stored file", "session_id", id, "error", err)
		}
	}
	if err := s.scratch.Remove(sess.TempPath); err != nil {
		slog.Warn("failed to remove temp file", "session_id", id, "error", err)
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		slog.Warn("failed to delete session", "session_id", id, "error", err)
		return
	}
	slog.Info("upload session discarded", "session_id", id, "offset", sess.Offset)
}

func (s *UploadService) lock(ctx context.Context, id string) (func(), error) {
	local := s.writer.Lock(id)
	if s.locks == nil {
		return local, nil
	}
	remote, err := s.locks.Lock(ctx, id)
	if err != nil {
		local()
		return nil, fmt.Errorf("failed to lock upload %s: %w", id, err)
	}
	return func() {
		remote()
		local()
	}, nil
}

// VerifyTransfer checks that the upload id belongs to transferID. Unknown
// uploads return ErrNotFound.
func (s *UploadService) VerifyTransfer(ctx context.Context, transferID, id string) error {
	var owner string
	sess, err := s.sessions.Get(ctx, id)
	switch {
	case err == nil:
		owner = sess.TransferID
	case errors.Is(err, session.ErrNotFound):
		done, err := s.finished(ctx, id)
		if err != nil {
			return err
		}
		owner = done.File.TransferID
	default:
		return err
	}

	if owner != transferID {
		return ErrTransferMismatch
	}
	return nil
}

// Status returns the committed offset of a session. Uploads that were
// already finalized report as complete so a client that lost the final
// response does not start over.
func (s *UploadService) Status(ctx context.Context, id string) (*UploadStatus, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return s.finished(ctx, id)
		}
		return nil, err
	}
	return &UploadStatus{
		ID:       sess.ID,
		Offset:   sess.Offset,
		Length:   sess.Length,
		Complete: sess.Complete(),
	}, nil
}

// Append writes body at offset, which must match the session's committed
// offset. When the last byte arrives the upload is finalized before Append
// returns. A complete session that failed to finalize can be retried by
// appending an empty body at its final offset.
func (s *UploadService) Append(ctx context.Context, id string, offset int64, body io.Reader) (*UploadStatus, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		done, err := s.finished(ctx, id)
		if err != nil {
			return nil, err
		}
		if offset != done.Offset {
			return nil, &ConflictError{Offset: done.Offset}
		}
		return done, nil
	}
	if sess.Offset != offset {
		return nil, &ConflictError{Offset: sess.Offset}
	}
	if sess.Complete() {
		if body != nil {
			var next [1]byte
			if extra, _ := io.ReadFull(body, next[:]); extra > 0 {
				return nil, fmt.Errorf("%w: upload is already complete", ErrSizeLimitExceeded)
			}
		}
		return s.complete(ctx, sess.ID, sess.Length)
	}

	n, err := s.writer.Append(sess.TempPath, offset, body, sess.Length-offset)
	if err != nil {
		if errors.Is(err, storage.ErrChunkTooLarge) {
			return nil, fmt.Errorf("%w: chunk runs past declared length %d", ErrSizeLimitExceeded, sess.Length)
		}
		slog.Error("failed to append chunk", "session_id", id, "offset", offset, "error", err)
		return nil, &StorageError{Op: "append", Err: err}
	}

	newOffset := offset
	if n > 0 {
		newOffset, err = s.sessions.AppendOffset(ctx, id, offset, n)
		if err != nil {
			// On a conflict the bytes past offset were committed by another
			// writer and must stay.
			if errors.Is(err, session.ErrConflict) {
				slog.Warn("offset moved while session was locked", "session_id", id, "offset", offset, "committed", newOffset)
				return nil, &ConflictError{Offset: newOffset}
			}
			s.writer.Rollback(sess.TempPath, offset)
			switch {
			case errors.Is(err, session.ErrNotFound):
				return nil, ErrNotFound
			case errors.Is(err, session.ErrOverflow):
				return nil, ErrSizeLimitExceeded
			}
			return nil, fmt.Errorf("failed to commit offset: %w", err)
		}
	}

	if newOffset < sess.Length {
		return &UploadStatus{ID: id, Offset: newOffset, Length: sess.Length}, nil
	}
	return s.complete(ctx, id, sess.Length)
}

// finished looks up the file an upload produced once its session is gone.
func (s *UploadService) finished(ctx context.Context, id string) (*UploadStatus, error) {
	file, err := s.repo.GetFileByUploadID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &UploadStatus{
		ID:       id,
		Offset:   file.Size,
		Length:   file.Size,
		Complete: true,
		File:     file,
	}, nil
}

func (s *UploadService) complete(ctx context.Context, id string, length int64) (*UploadStatus, error) {
	file, err := s.finalizer.Finalize(ctx, id)
	if err != nil {
		slog.Error("failed to finalize upload", "session_id", id, "error", err)
		return nil, err
	}
	return &UploadStatus{
		ID:       id,
		Offset:   length,
		Length:   length,
		Complete: true,
		File:     file,
	}, nil
}

// Cancel abandons an upload and removes its temp file. It reports whether the
// session existed; an unknown id is not an error. Completed sessions cannot be
// cancelled.
func (s *UploadService) Cancel(ctx context.Context, id string) (bool, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if sess.Complete() || sess.StoredName != "" {
		return true, fmt.Errorf("%w: upload is already complete", ErrInvalidState)
	}

	if err := s.scratch.Remove(sess.TempPath); err != nil {
		return true, &StorageError{Op: "cancel", Err: err}
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		return true, err
	}

	slog.Info("upload cancelled", "session_id", id, "offset", sess.Offset)
	return true, nil
}
