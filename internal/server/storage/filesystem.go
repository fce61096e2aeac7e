package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store defines the interface for permanent file storage backends.
type Store interface {
	Import(tempPath, storedName string) error
	Exists(storedName string) (bool, error)
	Path(storedName string) string
	Delete(storedName string) error
	EnsureDir() error
}

// FileSystemStore keeps finalized uploads on the local filesystem, one file
// per stored name.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Import moves a completed temp file into permanent storage. It falls back to
// copy and remove when the two directories are on different filesystems.
func (fs *FileSystemStore) Import(tempPath, storedName string) error {
	dst, err := fs.filePath(storedName)
	if err != nil {
		return err
	}

	if err := os.Rename(tempPath, dst); err == nil {
		return nil
	}

	if err := copyFile(tempPath, dst); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp file %s: %w", tempPath, err)
	}
	return nil
}

// Exists reports whether a stored file is present.
func (fs *FileSystemStore) Exists(storedName string) (bool, error) {
	p, err := fs.filePath(storedName)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete removes a stored file. A missing file is not an error.
func (fs *FileSystemStore) Delete(storedName string) error {
	p, err := fs.filePath(storedName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", p, err)
	}
	return nil
}

// Path returns where a stored name lives on disk.
func (fs *FileSystemStore) Path(storedName string) string {
	return filepath.Join(fs.basePath, storedName)
}

func (fs *FileSystemStore) filePath(storedName string) (string, error) {
	if storedName == "" || strings.ContainsAny(storedName, `/\`) || storedName == "." || storedName == ".." {
		return "", fmt.Errorf("invalid stored name %q", storedName)
	}
	return fs.Path(storedName), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return out.Close()
}
