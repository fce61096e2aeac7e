// Package client sends files to a sendfiles server: it creates a transfer,
// pushes each file over the resumable upload protocol and marks the transfer
// ready.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultChunkSize  = 8 * 1024 * 1024
	DefaultMaxRetries = 5

	tusVersion = "1.0.0"
)

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusConflict
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ProgressFunc is called after every accepted chunk.
type ProgressFunc func(sent, total int64)

type Client struct {
	BaseURL    string
	Token      string
	ChunkSize  int64
	MaxRetries int
	RetryDelay time.Duration
	HTTP       *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ChunkSize:  DefaultChunkSize,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: time.Second,
		HTTP:       &http.Client{Timeout: 10 * time.Minute},
	}
}

type TransferOptions struct {
	Title          string   `json:"title,omitempty"`
	Message        string   `json:"message,omitempty"`
	SenderEmail    string   `json:"sender_email,omitempty"`
	Recipients     []string `json:"recipients,omitempty"`
	Password       string   `json:"password,omitempty"`
	ExpirationDays int      `json:"expiration_days,omitempty"`
	MaxDownloads   *int     `json:"max_downloads,omitempty"`
}

type Transfer struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"short_id"`
	Status    string    `json:"status"`
	UploadURL string    `json:"upload_url"`
	ShareURL  string    `json:"share_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateTransfer opens a new transfer.
func (c *Client) CreateTransfer(ctx context.Context, opts TransferOptions) (*Transfer, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	var t Transfer
	if err := c.doJSON(ctx, http.MethodPost, c.BaseURL+"/api/transfers", body, &t); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return &t, nil
}

// Finalize marks a transfer ready for download.
func (c *Client) Finalize(ctx context.Context, transferID string) (*Transfer, error) {
	var t Transfer
	target := c.BaseURL + "/api/transfers/" + url.PathEscape(transferID) + "/finalize"
	if err := c.doJSON(ctx, http.MethodPost, target, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to finalize transfer: %w", err)
	}
	return &t, nil
}

// Upload sends item to the upload endpoint of a transfer. Failed chunks are
// retried after asking the server how much it already has.
func (c *Client) Upload(ctx context.Context, uploadURL string, item Item, progress ProgressFunc) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	location, err := c.create(ctx, uploadURL, item)
	if err != nil {
		return fmt.Errorf("failed to create upload for %s: %w", item.Name, err)
	}

	var offset int64
	retries := 0
	for offset < item.Size {
		next, err := c.patch(ctx, location, f, offset, item.Size)
		if err == nil {
			offset = next
			retries = 0
			if progress != nil {
				progress(offset, item.Size)
			}
			continue
		}

		if !retryable(err) || retries >= c.MaxRetries {
			return fmt.Errorf("failed to upload %s at offset %d: %w", item.Name, offset, err)
		}
		retries++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.RetryDelay * time.Duration(retries)):
		}

		resumed, headErr := c.Offset(ctx, location)
		if headErr != nil {
			if !retryable(headErr) {
				return fmt.Errorf("failed to resume %s: %w", item.Name, headErr)
			}
			continue
		}
		offset = resumed
	}
	return nil
}

// Offset asks the server how many bytes of an upload it holds.
func (c *Client) Offset(ctx context.Context, location string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, location, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{Status: resp.StatusCode}
	}
	return parseOffset(resp)
}

func (c *Client) create(ctx context.Context, uploadURL string, item Item) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, uploadURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Upload-Length", strconv.FormatInt(item.Size, 10))
	req.Header.Set("Upload-Metadata", encodeMetadata(item))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", readError(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("server did not return an upload location")
	}
	return c.resolve(loc)
}

func (c *Client) patch(ctx context.Context, location string, f *os.File, offset, size int64) (int64, error) {
	n := size - offset
	if c.ChunkSize > 0 && n > c.ChunkSize {
		n = c.ChunkSize
	}

	req, err := c.newRequest(ctx, http.MethodPatch, location, io.NewSectionReader(f, offset, n))
	if err != nil {
		return 0, err
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return 0, readError(resp)
	}
	return parseOffset(resp)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) resolve(loc string) (string, error) {
	base, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func encodeMetadata(item Item) string {
	pairs := []string{"filename " + base64.StdEncoding.EncodeToString([]byte(item.Name))}
	if item.MimeType != "" {
		pairs = append(pairs, "filetype "+base64.StdEncoding.EncodeToString([]byte(item.MimeType)))
	}
	return strings.Join(pairs, ",")
}

func parseOffset(resp *http.Response) (int64, error) {
	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Upload-Offset from server: %w", err)
	}
	return offset, nil
}

func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
