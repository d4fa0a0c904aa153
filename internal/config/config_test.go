package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "chime.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./chime.db
  busy_timeout: 3s
engine:
  lookahead_days: 14
  max_scheduled: 40
  maintenance_spec: "15 1 * * *"
session:
  wake_budget: 2m
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./chime.db" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Engine.LookaheadDays != 14 || cfg.Engine.MaxScheduled != 40 {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if got := cfg.MaintenanceSpecOrDefault(); got != "15 1 * * *" {
		t.Fatalf("maintenance spec %q", got)
	}
	if got := cfg.WakeBudgetOrDefault(); got != 2*time.Minute {
		t.Fatalf("wake budget %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "chime.json", `{"logging":{"level":"info","console":false,"file":{"enabled":true,"path":"./chime.log"}},"storage":{"driver":"memory","path":""},"engine":{}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Logging.File.Enabled {
		t.Fatalf("logging file: %+v", cfg.Logging.File)
	}
	if got := cfg.MaintenanceSpecOrDefault(); got != "30 0 * * *" {
		t.Fatalf("default maintenance spec %q", got)
	}
	if got := cfg.RescheduleMinIntervalOrDefault(); got != 2*time.Second {
		t.Fatalf("default reschedule interval %v", got)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "chime.yaml", `
engine:
  lookahead_days: 7
  maximum_scheduled: 99
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("want error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string // substring of the error, "" means valid
	}{
		{name: "empty", cfg: Config{}},
		{name: "negative lookahead", cfg: Config{Engine: EngineConfig{LookaheadDays: -1}}, want: "lookahead_days"},
		{name: "negative cap", cfg: Config{Engine: EngineConfig{MaxScheduled: -5}}, want: "max_scheduled"},
		{name: "bad wake budget", cfg: Config{Session: SessionConfig{WakeBudget: "soon"}}, want: "wake_budget"},
		{name: "bad driver", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}, want: "driver"},
		{name: "sqlite ok", cfg: Config{Storage: StorageConfig{Driver: "sqlite", BusyTimeout: "5s"}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Engine:  EngineConfig{LookaheadDays: 30},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "engine" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs returned")
	}

	if changed, _ := SummarizeChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
