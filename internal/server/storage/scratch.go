package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ScratchDir holds one temp file per open upload session, named by session id.
type ScratchDir struct {
	basePath string
}

// NewScratchDir creates a scratch directory handle.
func NewScratchDir(basePath string) *ScratchDir {
	return &ScratchDir{basePath: basePath}
}

func (s *ScratchDir) EnsureDir() error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create scratch directory %s: %w", s.basePath, err)
	}
	return nil
}

// Path returns the temp file path for a session id.
func (s *ScratchDir) Path(id string) string {
	return filepath.Join(s.basePath, id)
}

// Create makes an empty temp file for a new session.
func (s *ScratchDir) Create(id string) (string, error) {
	p := s.Path(id)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file %s: %w", p, err)
	}
	return p, nil
}

// Remove deletes a temp file. A missing file is not an error.
func (s *ScratchDir) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp file %s: %w", path, err)
	}
	return nil
}

// Stale lists the session ids whose temp file was last modified before cutoff.
func (s *ScratchDir) Stale(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
