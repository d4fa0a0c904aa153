package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Engine controls occurrence planning and platform scheduling.
	Engine EngineConfig `json:"engine"`

	// Session controls ringing session behavior.
	Session SessionConfig `json:"session,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chime.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the occurrence planner and token lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - lookahead_days: 21 (clamped to 1..90)
//   - max_scheduled: 60
//   - maintenance_spec: "30 0 * * *" (shortly after midnight, local time)
//   - reschedule_min_interval: "2s" (coalesces bursts of edits)
type EngineConfig struct {
	LookaheadDays int `json:"lookahead_days,omitempty"`
	MaxScheduled  int `json:"max_scheduled,omitempty"`

	// MaintenanceSpec is a 5-field cron expression for the daily
	// maintenance reschedule.
	MaintenanceSpec string `json:"maintenance_spec,omitempty"`

	// RescheduleMinInterval is a Go duration string. Reschedule triggers
	// arriving faster than this are coalesced into one pass.
	RescheduleMinInterval string `json:"reschedule_min_interval,omitempty"`
}

// SessionConfig controls the ringing session.
//
// WakeBudget is a Go duration string bounding how long a wake lock may be
// held per ring. Default "5m".
type SessionConfig struct {
	WakeBudget string `json:"wake_budget,omitempty"`
}

// Validate checks the fields that are cheap to check statically. Cron
// specs are validated by the scheduler at registration time.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Engine.LookaheadDays < 0 {
		return fmt.Errorf("engine.lookahead_days: must be >= 0")
	}
	if c.Engine.MaxScheduled < 0 {
		return fmt.Errorf("engine.max_scheduled: must be >= 0")
	}
	if _, err := ParseDurationField("engine.reschedule_min_interval", c.Engine.RescheduleMinInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("session.wake_budget", c.Session.WakeBudget); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}

// MaintenanceSpecOrDefault returns the cron spec for the daily
// maintenance pass.
func (c *Config) MaintenanceSpecOrDefault() string {
	if c != nil && c.Engine.MaintenanceSpec != "" {
		return c.Engine.MaintenanceSpec
	}
	return "30 0 * * *"
}

// RescheduleMinIntervalOrDefault returns the trigger coalescing interval.
func (c *Config) RescheduleMinIntervalOrDefault() time.Duration {
	if c == nil {
		return 2 * time.Second
	}
	d, err := ParseDurationOrDefault("engine.reschedule_min_interval", c.Engine.RescheduleMinInterval, 2*time.Second)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// WakeBudgetOrDefault returns the per-ring wake lock budget.
func (c *Config) WakeBudgetOrDefault() time.Duration {
	if c == nil {
		return 5 * time.Minute
	}
	d, err := ParseDurationOrDefault("session.wake_budget", c.Session.WakeBudget, 5*time.Minute)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ParseDurationField parses a Go duration config field. Empty is valid and
// means "use the default"; negative durations are rejected. field names the
// config path (e.g. "storage.busy_timeout") for the error message.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with an empty-field default.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
