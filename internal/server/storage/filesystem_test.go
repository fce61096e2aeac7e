package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return p
}

func TestFileSystemStore_Import(t *testing.T) {
	t.Run("moves file into storage", func(t *testing.T) {
		scratch := t.TempDir()
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		src := writeTemp(t, scratch, "sess1", "test content")
		if err := store.Import(src, "stored1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		content, err := os.ReadFile(filepath.Join(dir, "stored1"))
		if err != nil {
			t.Fatalf("failed to read stored file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Error("expected temp file to be gone")
		}
	})

	t.Run("rejects path-like stored names", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		src := writeTemp(t, t.TempDir(), "sess", "x")

		for _, name := range []string{"", "..", "a/b", `a\b`} {
			if err := store.Import(src, name); err == nil {
				t.Errorf("expected error for stored name %q", name)
			}
		}
	})

	t.Run("copies large content", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		large := strings.Repeat("x", 1024*1024) // 1MB
		src := writeTemp(t, t.TempDir(), "sess", large)
		if err := copyFile(src, filepath.Join(dir, "copy")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		data, err := os.ReadFile(store.Path("copy"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) != len(large) {
			t.Errorf("expected %d bytes, got %d", len(large), len(data))
		}
	})
}

func TestFileSystemStore_Exists(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemStore(dir)
	writeTemp(t, dir, "present", "data")

	ok, err := store.Exists("present")
	if err != nil || !ok {
		t.Errorf("expected present file to exist, got %v %v", ok, err)
	}
	ok, err = store.Exists("absent")
	if err != nil || ok {
		t.Errorf("expected absent file to not exist, got %v %v", ok, err)
	}
}

func TestFileSystemStore_Delete(t *testing.T) {
	t.Run("deletes existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)
		filePath := writeTemp(t, dir, "del123", "data")

		if err := store.Delete("del123"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := os.Stat(filePath); !os.IsNotExist(err) {
			t.Error("expected file to be deleted")
		}
	})

	t.Run("no error for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.Delete("nonexistent"); err != nil {
			t.Errorf("expected no error for missing file, got: %v", err)
		}
	})
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
		store := NewFileSystemStore(dir)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
