package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"sendfiles/internal/server/database"
)

type countingNotifier struct {
	ready atomic.Int32
}

func (c *countingNotifier) TransferReady(ctx context.Context, t *database.Transfer, files []*database.TransferFile) error {
	c.ready.Add(1)
	return nil
}

func (c *countingNotifier) Downloaded(ctx context.Context, t *database.Transfer, e *database.DownloadEvent) error {
	return errors.New("smtp unavailable")
}

func TestDispatcher(t *testing.T) {
	n := &countingNotifier{}
	d := NewDispatcher(n)
	tr := &database.Transfer{ID: "t1"}

	for i := 0; i < 3; i++ {
		d.Go("ready", func(ctx context.Context, n Notifier) error {
			return n.TransferReady(ctx, tr, nil)
		})
	}
	d.Go("downloaded", func(ctx context.Context, n Notifier) error {
		return n.Downloaded(ctx, tr, &database.DownloadEvent{})
	})
	d.Wait()

	if got := n.ready.Load(); got != 3 {
		t.Errorf("expected 3 notifications, got %d", got)
	}
}

func TestDispatcher_BoundsInFlight(t *testing.T) {
	d := NewDispatcherSize(&countingNotifier{}, 2)
	release := make(chan struct{})
	var ran atomic.Int32

	block := func(ctx context.Context, n Notifier) error {
		ran.Add(1)
		<-release
		return nil
	}

	for i := 0; i < 2; i++ {
		if !d.Go("ready", block) {
			t.Fatalf("notification %d should have been dispatched", i)
		}
	}
	if d.Go("ready", block) {
		t.Fatal("expected notification to be dropped while every slot is busy")
	}

	close(release)
	d.Wait()
	if got := ran.Load(); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}

	if !d.Go("ready", func(ctx context.Context, n Notifier) error { return nil }) {
		t.Error("expected a free slot after deliveries finished")
	}
	d.Wait()
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier("http://localhost")
	tr := &database.Transfer{ID: "t1", ShortID: "abc"}

	if err := n.TransferReady(context.Background(), tr, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := n.Downloaded(context.Background(), tr, &database.DownloadEvent{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
