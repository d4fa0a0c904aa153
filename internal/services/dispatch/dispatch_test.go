package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"chime/internal/alarm"
	"chime/pkg/logx"
)

type fireRecorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan string, 16)}
}

func (r *fireRecorder) handle(_ context.Context, osID string) {
	r.mu.Lock()
	r.ids = append(r.ids, osID)
	r.mu.Unlock()
	r.ch <- osID
}

func (r *fireRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire")
		return ""
	}
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newDispatcher(t *testing.T) (*Service, *fireRecorder) {
	t.Helper()
	rec := newFireRecorder()
	svc := New(logx.Nop())
	svc.SetFireHandler(rec.handle)
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc, rec
}

func TestRegisterFires(t *testing.T) {
	t.Parallel()
	svc, rec := newDispatcher(t)
	ctx := context.Background()

	fireAt := time.Now().Add(15 * time.Millisecond)
	if err := svc.Register(ctx, "chime:p1:2025-03-03:0700", fireAt, alarm.DisplayPayload{Label: "up"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := rec.wait(t); got != "chime:p1:2025-03-03:0700" {
		t.Fatalf("fired %q", got)
	}
	if len(svc.Pending()) != 0 {
		t.Fatal("fired timer still pending")
	}
}

func TestRegisterInPastFiresImmediately(t *testing.T) {
	t.Parallel()
	svc, rec := newDispatcher(t)

	past := time.Now().Add(-time.Hour)
	if err := svc.Register(context.Background(), "late", past, alarm.DisplayPayload{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec.wait(t)
}

func TestCancelDisarms(t *testing.T) {
	t.Parallel()
	svc, rec := newDispatcher(t)
	ctx := context.Background()

	fireAt := time.Now().Add(25 * time.Millisecond)
	for _, id := range []string{"a", "b"} {
		if err := svc.Register(ctx, id, fireAt, alarm.DisplayPayload{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	// Unknown identifiers are tolerated.
	if err := svc.Cancel(ctx, []string{"a", "b", "never-armed"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(svc.Pending()) != 0 {
		t.Fatalf("pending after cancel: %v", svc.Pending())
	}

	select {
	case id := <-rec.ch:
		t.Fatalf("cancelled timer fired: %q", id)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRegisterUpsertsSameIdentifier(t *testing.T) {
	t.Parallel()
	svc, rec := newDispatcher(t)
	ctx := context.Background()

	// First registration would fire almost immediately; the replacement
	// pushes it out, so exactly one fire arrives and only after the
	// second delay.
	if err := svc.Register(ctx, "x", time.Now().Add(5*time.Millisecond), alarm.DisplayPayload{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.Register(ctx, "x", time.Now().Add(40*time.Millisecond), alarm.DisplayPayload{}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	rec.wait(t)
	time.Sleep(60 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestStopRejectsAndDisarms(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	svc := New(logx.Logger{})
	svc.SetFireHandler(rec.handle)

	if err := svc.Register(context.Background(), "early", time.Now(), alarm.DisplayPayload{}); err != ErrStopped {
		t.Fatalf("register before start: %v, want ErrStopped", err)
	}

	svc.Start(context.Background())
	if err := svc.Register(context.Background(), "y", time.Now().Add(20*time.Millisecond), alarm.DisplayPayload{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Stop()

	if err := svc.Register(context.Background(), "z", time.Now(), alarm.DisplayPayload{}); err != ErrStopped {
		t.Fatalf("register after stop: %v, want ErrStopped", err)
	}
	select {
	case id := <-rec.ch:
		t.Fatalf("timer fired after stop: %q", id)
	case <-time.After(60 * time.Millisecond):
	}
}
