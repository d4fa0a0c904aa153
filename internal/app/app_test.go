package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chime.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppStartStop(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: error
  console: false
storage:
  driver: memory
engine:
  lookahead_days: 7
`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A trigger on an empty store completes without error.
	a.TriggerReschedule()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}

func TestAppRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
`)
	if _, err := New(path); err == nil {
		t.Fatal("want error for unsupported storage driver")
	}
}

func TestAppSQLiteRequiresPath(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
`)
	if _, err := New(path); err == nil {
		t.Fatal("want error for sqlite without path")
	}
}
