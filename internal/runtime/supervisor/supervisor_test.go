package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCancelOnFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("boom", func(ctx context.Context) error {
		return errors.New("db gone")
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("first error did not cancel the supervisor context")
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Err() = %v, want the named goroutine's error", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("panics", func(ctx context.Context) error {
		panic("oops")
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("panic did not cancel the supervisor context")
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Err() = %v, want panic error", err)
	}
}

func TestGoRestartSelfHeals(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var attempts atomic.Int32
	healed := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(healed)
		return nil
	})

	select {
	case <-healed:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop not restarted, attempts = %d", attempts.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Transient errors were restarted away, never recorded as fatal.
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestStopDrainsGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	started := make(chan struct{})
	s.Go0("waiter", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started
	if got := s.Active(); got != 1 {
		t.Fatalf("Active() = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.Active(); got != 0 {
		t.Fatalf("Active() after stop = %d, want 0", got)
	}
}
