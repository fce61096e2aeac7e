package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidLength        = errors.New("upload length must be positive")
	ErrSizeLimitExceeded    = errors.New("size limit exceeded")
	ErrQuotaExceeded        = errors.New("monthly quota exceeded")
	ErrOffsetConflict       = errors.New("upload offset conflict")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrStorageIO            = errors.New("storage failure")
	ErrTransferMismatch     = errors.New("upload does not belong to this transfer")

	ErrInvalidRequest   = errors.New("invalid request")
	ErrNoFiles          = errors.New("transfer has no files")
	ErrExpired          = errors.New("transfer has expired")
	ErrDownloadLimit    = errors.New("download limit reached")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInfected         = errors.New("transfer failed virus scan")
)

// ConflictError carries the authoritative offset after a rejected append.
type ConflictError struct {
	Offset int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("upload offset conflict: server is at %d", e.Offset)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrOffsetConflict
}

// QuotaError carries the bytes the identity may still send this month.
type QuotaError struct {
	Remaining int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("monthly quota exceeded: %d bytes remaining", e.Remaining)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// StorageError wraps a filesystem failure during append or finalize.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageIO
}
