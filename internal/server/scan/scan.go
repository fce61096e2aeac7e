// Package scan runs the antivirus check on finished files.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Verdict is the outcome of scanning one file.
type Verdict string

const (
	Clean    Verdict = "clean"
	Infected Verdict = "infected"
	Failed   Verdict = "error"
	Skipped  Verdict = "skipped"
)

type Result struct {
	Verdict Verdict
	Message string
}

// OK reports whether the file may be shared.
func (r Result) OK() bool {
	return r.Verdict == Clean || r.Verdict == Skipped
}

// Scanner checks a file on disk.
type Scanner interface {
	Scan(ctx context.Context, path string) Result
}

// ClamAV shells out to clamscan, falling back to the next binary in the list
// when one is not installed. When none are installed the scan is skipped.
type ClamAV struct {
	Binaries []string
	Timeout  time.Duration
}

// NewClamAV returns a scanner using binary with clamdscan as fallback. An
// empty binary disables scanning.
func NewClamAV(binary string) Scanner {
	if binary == "" {
		return Noop{}
	}
	return &ClamAV{
		Binaries: []string{binary, "clamdscan"},
		Timeout:  60 * time.Second,
	}
}

func (c *ClamAV) Scan(ctx context.Context, path string) Result {
	if _, err := os.Stat(path); err != nil {
		return Result{Verdict: Failed, Message: "file not found"}
	}

	for _, bin := range c.Binaries {
		res, err := c.run(ctx, bin, path)
		if errors.Is(err, exec.ErrNotFound) {
			continue
		}
		return res
	}

	slog.Warn("clamav not installed, skipping virus scan", "path", path)
	return Result{Verdict: Skipped, Message: "scan skipped (ClamAV not installed)"}
}

func (c *ClamAV) run(ctx context.Context, bin, path string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--no-summary", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Verdict: Clean, Message: "no virus found"}, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return Result{}, err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Verdict: Failed, Message: "scan timed out"}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		msg := strings.TrimSpace(stdout.String())
		if msg == "" {
			msg = "virus detected"
		}
		return Result{Verdict: Infected, Message: msg}, nil
	}
	return Result{Verdict: Failed, Message: fmt.Sprintf("scan error: %s", strings.TrimSpace(stderr.String()))}, nil
}

// Noop accepts every file.
type Noop struct{}

func (Noop) Scan(ctx context.Context, path string) Result {
	return Result{Verdict: Skipped, Message: "scanning disabled"}
}
