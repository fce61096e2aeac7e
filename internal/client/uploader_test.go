package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks enough of the upload protocol to exercise the client.
type fakeServer struct {
	mu        sync.Mutex
	length    int64
	data      []byte
	metadata  string
	auth      string
	patches   int
	finalized bool

	// failPatches makes that many PATCH requests store half the chunk and
	// then fail with 500.
	failPatches int
	rejectWith  int
}

func (s *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/transfers", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Transfer{ID: "t1", ShortID: "abc", Status: "uploading", UploadURL: "/api/tus/t1/"})
	})

	mux.HandleFunc("POST /api/transfers/t1/finalize", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.finalized = true
		s.mu.Unlock()
		json.NewEncoder(w).Encode(Transfer{ID: "t1", ShortID: "abc", Status: "ready", ShareURL: "http://x/d/abc"})
	})

	mux.HandleFunc("POST /api/tus/t1/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.rejectWith != 0 {
			w.WriteHeader(s.rejectWith)
			io.WriteString(w, `{"error":"rejected"}`)
			return
		}
		n, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
		if err != nil {
			t.Errorf("invalid Upload-Length %q", r.Header.Get("Upload-Length"))
		}
		s.length = n
		s.metadata = r.Header.Get("Upload-Metadata")
		w.Header().Set("Location", "/api/tus/t1/u1/")
		w.Header().Set("Upload-Offset", "0")
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("HEAD /api/tus/t1/u1/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Upload-Offset", strconv.Itoa(len(s.data)))
		w.Header().Set("Upload-Length", strconv.FormatInt(s.length, 10))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("PATCH /api/tus/t1/u1/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.patches++

		if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		offset, _ := strconv.Atoi(r.Header.Get("Upload-Offset"))
		if offset != len(s.data) {
			w.Header().Set("Upload-Offset", strconv.Itoa(len(s.data)))
			w.WriteHeader(http.StatusConflict)
			return
		}

		chunk, _ := io.ReadAll(r.Body)
		if s.failPatches > 0 {
			s.failPatches--
			s.data = append(s.data, chunk[:len(chunk)/2]...)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.data = append(s.data, chunk...)
		w.Header().Set("Upload-Offset", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func newTestClient(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	c.ChunkSize = 4
	c.RetryDelay = time.Millisecond
	c.HTTP = srv.Client()
	return c
}

func writeItem(t *testing.T, name, content string) Item {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return Item{Path: p, Name: name, Size: int64(len(content)), MimeType: "text/plain"}
}

func TestClient_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("chunks the file", func(t *testing.T) {
		s := &fakeServer{}
		c := newTestClient(t, s)
		item := writeItem(t, "notes.txt", "hello, world")

		var progress []int64
		err := c.Upload(ctx, c.BaseURL+"/api/tus/t1/", item, func(sent, total int64) {
			progress = append(progress, sent)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if string(s.data) != "hello, world" {
			t.Errorf("expected server to hold the file, got %q", s.data)
		}
		if s.patches != 3 {
			t.Errorf("expected 3 chunks, got %d", s.patches)
		}
		if len(progress) != 3 || progress[2] != 12 {
			t.Errorf("unexpected progress %v", progress)
		}
		want := "filename " + base64.StdEncoding.EncodeToString([]byte("notes.txt")) +
			",filetype " + base64.StdEncoding.EncodeToString([]byte("text/plain"))
		if s.metadata != want {
			t.Errorf("expected metadata %q, got %q", want, s.metadata)
		}
	})

	t.Run("resumes from server offset after failures", func(t *testing.T) {
		s := &fakeServer{failPatches: 2}
		c := newTestClient(t, s)
		item := writeItem(t, "data.bin", "0123456789abcdef")

		if err := c.Upload(ctx, c.BaseURL+"/api/tus/t1/", item, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(s.data) != "0123456789abcdef" {
			t.Errorf("expected resumed upload to be intact, got %q", s.data)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		s := &fakeServer{failPatches: 100}
		c := newTestClient(t, s)
		c.MaxRetries = 2
		item := writeItem(t, "data.bin", "0123456789abcdef")

		err := c.Upload(ctx, c.BaseURL+"/api/tus/t1/", item, nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
			t.Fatalf("expected 500 APIError, got %v", err)
		}
		if s.patches != 3 {
			t.Errorf("expected 3 attempts, got %d", s.patches)
		}
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		s := &fakeServer{rejectWith: http.StatusTooManyRequests}
		c := newTestClient(t, s)
		item := writeItem(t, "big.bin", "data")

		err := c.Upload(ctx, c.BaseURL+"/api/tus/t1/", item, nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
			t.Fatalf("expected 429 APIError, got %v", err)
		}
		if apiErr.Message != "rejected" {
			t.Errorf("expected server message, got %q", apiErr.Message)
		}
	})
}

func TestClient_Transfer(t *testing.T) {
	s := &fakeServer{}
	c := newTestClient(t, s)
	c.Token = "tok"

	tr, err := c.CreateTransfer(context.Background(), TransferOptions{Title: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ID != "t1" || !strings.HasSuffix(tr.UploadURL, "/api/tus/t1/") {
		t.Errorf("unexpected transfer: %+v", tr)
	}
	if s.auth != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", s.auth)
	}

	tr, err = c.Finalize(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.finalized || tr.Status != "ready" || tr.ShareURL == "" {
		t.Errorf("unexpected finalize result: %+v", tr)
	}
}
