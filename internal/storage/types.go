package storage

import (
	"context"
	"errors"
	"time"

	"chime/internal/alarm"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default; also used by tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PlanRepository stores alarm plans.
type PlanRepository interface {
	ListEnabled(ctx context.Context) ([]alarm.Plan, error)
	Get(ctx context.Context, id string) (alarm.Plan, error)
	// Save creates or updates. An empty ID is minted by the repository;
	// CreatedAt/UpdatedAt are maintained by the repository.
	Save(ctx context.Context, p *alarm.Plan) error
	Delete(ctx context.Context, id string) error
}

// SkipRepository stores per-plan skip exceptions.
// At most one exception exists per (PlanID, Date); Save upserts.
type SkipRepository interface {
	// ListInRange returns exceptions with from <= Date < to.
	// An empty planID matches all plans.
	ListInRange(ctx context.Context, planID, from, to string) ([]alarm.SkipException, error)
	Save(ctx context.Context, e *alarm.SkipException) error
	Delete(ctx context.Context, planID, date string) error
}

// HolidayRepository exposes the static holiday table. Read-only to the
// engine; ReplaceAll exists for host-side seeding only.
type HolidayRepository interface {
	// ListInRange returns holidays with from <= Date < to.
	ListInRange(ctx context.Context, from, to string) ([]alarm.Holiday, error)
	ReplaceAll(ctx context.Context, hs []alarm.Holiday) error
}

// SettingsRepository stores the engine settings singleton.
type SettingsRepository interface {
	Get(ctx context.Context) (alarm.Settings, error)
	Save(ctx context.Context, s alarm.Settings) error
}

// TokenRepository stores scheduled-token records. The Pending set is the
// single source of truth for "what's registered with the platform".
type TokenRepository interface {
	ListPending(ctx context.Context) ([]alarm.ScheduledToken, error)
	SaveAll(ctx context.Context, ts []alarm.ScheduledToken) error
	DeleteAllPending(ctx context.Context) error
	FindByOSIdentifier(ctx context.Context, osID string) (alarm.ScheduledToken, error)
	MarkFired(ctx context.Context, id string) error
}

// Store bundles the repositories behind one handle.
type Store interface {
	Plans() PlanRepository
	Skips() SkipRepository
	Holidays() HolidayRepository
	Settings() SettingsRepository
	Tokens() TokenRepository
	Close() error
}
