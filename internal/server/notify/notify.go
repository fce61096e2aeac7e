// Package notify delivers transfer notifications. Delivery is best effort and
// never blocks the request that triggered it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sendfiles/internal/server/database"
)

// Notifier sends messages about transfer events.
type Notifier interface {
	TransferReady(ctx context.Context, t *database.Transfer, files []*database.TransferFile) error
	Downloaded(ctx context.Context, t *database.Transfer, e *database.DownloadEvent) error
}

// LogNotifier writes notifications to the structured log. It stands in for
// the mail service in development.
type LogNotifier struct {
	baseURL string
}

func NewLogNotifier(baseURL string) *LogNotifier {
	return &LogNotifier{baseURL: baseURL}
}

func (n *LogNotifier) TransferReady(ctx context.Context, t *database.Transfer, files []*database.TransferFile) error {
	slog.Info("notify: transfer ready",
		"transfer_id", t.ID,
		"share_url", n.baseURL+"/d/"+t.ShortID,
		"recipients", t.RecipientEmails,
		"files", len(files),
		"total_size", t.TotalSize,
	)
	return nil
}

func (n *LogNotifier) Downloaded(ctx context.Context, t *database.Transfer, e *database.DownloadEvent) error {
	if t.SenderEmail == "" {
		return nil
	}
	slog.Info("notify: transfer downloaded",
		"transfer_id", t.ID,
		"sender", t.SenderEmail,
		"ip", e.IPAddress,
		"download_count", t.DownloadCount,
	)
	return nil
}

// DefaultMaxInFlight caps concurrent deliveries of a Dispatcher.
const DefaultMaxInFlight = 32

// Dispatcher runs notifications in the background and lets shutdown wait for
// the ones still in flight. At most a fixed number run at once; events that
// arrive while every slot is busy are dropped.
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(n Notifier) *Dispatcher {
	return NewDispatcherSize(n, DefaultMaxInFlight)
}

// NewDispatcherSize creates a dispatcher running at most maxInFlight
// notifications concurrently.
func NewDispatcherSize(n Notifier, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Dispatcher{
		n:       n,
		timeout: 30 * time.Second,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// Go runs fn against the notifier on its own goroutine and reports whether
// it was dispatched. Failures are logged.
func (d *Dispatcher) Go(event string, fn func(ctx context.Context, n Notifier) error) bool {
	select {
	case d.slots <- struct{}{}:
	default:
		slog.Warn("notification dropped", "event", event, "in_flight", cap(d.slots))
		return false
	}

	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.slots
			d.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := fn(ctx, d.n); err != nil {
			slog.Warn("notification failed", "event", event, "error", err)
		}
	}()
	return true
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
