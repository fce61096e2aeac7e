// Package session tracks in-flight resumable uploads.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("upload session not found")
	ErrExists     = errors.New("upload session already exists")
	ErrConflict   = errors.New("upload offset conflict")
	ErrOverflow   = errors.New("append exceeds declared length")
	ErrIncomplete = errors.New("upload session is not complete")
)

// DefaultTTL is how long an untouched session is retained.
const DefaultTTL = 24 * time.Hour

// Session is the server-side record of one resumable upload.
type Session struct {
	ID         string
	TransferID string
	Identity   string // quota identity of the uploader
	Length     int64  // declared, immutable
	Offset     int64
	TempPath   string
	Filename   string
	MimeType   string

	// StoredName is assigned once, when finalization begins, and reused by
	// every retry so the permanent file is only ever moved to one place.
	StoredName string

	CreatedAt    time.Time
	LastActivity time.Time
}

// Complete reports whether every declared byte has been received.
func (s *Session) Complete() bool {
	return s.Offset == s.Length
}

// Store persists sessions with a retention TTL. AppendOffset is the only
// operation that changes Offset and is a compare-and-set on the prior value.
type Store interface {
	// Create stores a new session. It fails with ErrExists if the id is taken.
	Create(ctx context.Context, s *Session) error

	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// AppendOffset advances the offset by amount if it currently equals
	// expected. On mismatch it returns the stored offset with ErrConflict.
	// An advance past the declared length returns ErrOverflow.
	AppendOffset(ctx context.Context, id string, expected, amount int64) (int64, error)

	// MarkFinalizing records storedName on a complete session unless one is
	// already set, and returns the session as stored.
	MarkFinalizing(ctx context.Context, id, storedName string) (*Session, error)

	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}
