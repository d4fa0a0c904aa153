package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chime/internal/alarm"
	"chime/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Plans() PlanRepository        { return (*sqlPlans)(s) }
func (s *sqliteStore) Skips() SkipRepository        { return (*sqlSkips)(s) }
func (s *sqliteStore) Holidays() HolidayRepository  { return (*sqlHolidays)(s) }
func (s *sqliteStore) Settings() SettingsRepository { return (*sqlSettings)(s) }
func (s *sqliteStore) Tokens() TokenRepository      { return (*sqlTokens)(s) }

const tsLayout = time.RFC3339Nano

// ---- plans ----

type sqlPlans sqliteStore

func (r *sqlPlans) ListEnabled(ctx context.Context) ([]alarm.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, enabled, label, time_of_day, weekday_mask, repeat_count,
		        interval_minutes, sound_id, holiday_auto_skip, created_at, updated_at
		 FROM plans WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *sqlPlans) Get(ctx context.Context, id string) (alarm.Plan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, enabled, label, time_of_day, weekday_mask, repeat_count,
		        interval_minutes, sound_id, holiday_auto_skip, created_at, updated_at
		 FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Plan{}, ErrNotFound
	}
	return p, err
}

func (r *sqlPlans) Save(ctx context.Context, p *alarm.Plan) error {
	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	} else {
		var created string
		err := r.db.QueryRowContext(ctx, `SELECT created_at FROM plans WHERE id = ?`, p.ID).Scan(&created)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
		case err != nil:
			return err
		default:
			if t, perr := time.Parse(tsLayout, created); perr == nil {
				p.CreatedAt = t
			}
		}
	}
	p.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plans(id, enabled, label, time_of_day, weekday_mask, repeat_count,
		                   interval_minutes, sound_id, holiday_auto_skip, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   enabled=excluded.enabled, label=excluded.label, time_of_day=excluded.time_of_day,
		   weekday_mask=excluded.weekday_mask, repeat_count=excluded.repeat_count,
		   interval_minutes=excluded.interval_minutes, sound_id=excluded.sound_id,
		   holiday_auto_skip=excluded.holiday_auto_skip, updated_at=excluded.updated_at`,
		p.ID, boolInt(p.Enabled), p.Label, p.TimeOfDay, int(p.Weekdays), p.RepeatCount,
		p.IntervalMinutes, p.SoundID, boolInt(p.HolidayAutoSkip),
		p.CreatedAt.Format(tsLayout), p.UpdatedAt.Format(tsLayout))
	return err
}

func (r *sqlPlans) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPlan(row rowScanner) (alarm.Plan, error) {
	var (
		p                 alarm.Plan
		enabled, autoSkip int
		mask              int
		created, updated  string
	)
	err := row.Scan(&p.ID, &enabled, &p.Label, &p.TimeOfDay, &mask, &p.RepeatCount,
		&p.IntervalMinutes, &p.SoundID, &autoSkip, &created, &updated)
	if err != nil {
		return alarm.Plan{}, err
	}
	p.Enabled = enabled != 0
	p.HolidayAutoSkip = autoSkip != 0
	p.Weekdays = alarm.WeekdayMask(mask)
	p.CreatedAt, _ = time.Parse(tsLayout, created)
	p.UpdatedAt, _ = time.Parse(tsLayout, updated)
	return p, nil
}

// ---- skip exceptions ----

type sqlSkips sqliteStore

func (r *sqlSkips) ListInRange(ctx context.Context, planID, from, to string) ([]alarm.SkipException, error) {
	q := `SELECT id, plan_id, date, reason, created_at FROM skip_exceptions
	      WHERE date >= ? AND date < ?`
	args := []any{from, to}
	if planID != "" {
		q += ` AND plan_id = ?`
		args = append(args, planID)
	}
	q += ` ORDER BY date, plan_id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.SkipException
	for rows.Next() {
		var e alarm.SkipException
		var created string
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Date, (*string)(&e.Reason), &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(tsLayout, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqlSkips) Save(ctx context.Context, e *alarm.SkipException) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// On a (plan_id, date) conflict the old row's id and created_at
	// survive; RETURNING echoes them back into the caller's struct so both
	// drivers report the same identity.
	var created string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO skip_exceptions(id, plan_id, date, reason, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(plan_id, date) DO UPDATE SET reason=excluded.reason
		 RETURNING id, created_at`,
		e.ID, e.PlanID, e.Date, string(e.Reason), e.CreatedAt.Format(tsLayout)).Scan(&e.ID, &created)
	if err != nil {
		return err
	}
	if t, perr := time.Parse(tsLayout, created); perr == nil {
		e.CreatedAt = t
	}
	return nil
}

func (r *sqlSkips) Delete(ctx context.Context, planID, date string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM skip_exceptions WHERE plan_id = ? AND date = ?`, planID, date)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- holidays ----

type sqlHolidays sqliteStore

func (r *sqlHolidays) ListInRange(ctx context.Context, from, to string) ([]alarm.Holiday, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT date, label FROM holidays WHERE date >= ? AND date < ? ORDER BY date`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Holiday
	for rows.Next() {
		var h alarm.Holiday
		if err := rows.Scan(&h.Date, &h.Label); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *sqlHolidays) ReplaceAll(ctx context.Context, hs []alarm.Holiday) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM holidays`); err != nil {
		return err
	}
	for _, h := range hs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holidays(date, label) VALUES(?,?)
			 ON CONFLICT(date) DO UPDATE SET label=excluded.label`, h.Date, h.Label); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- settings ----

type sqlSettings sqliteStore

func (r *sqlSettings) Get(ctx context.Context) (alarm.Settings, error) {
	var autoSkip int
	err := r.db.QueryRowContext(ctx, `SELECT holiday_auto_skip FROM settings WHERE id = 1`).Scan(&autoSkip)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Settings{}, nil
	}
	if err != nil {
		return alarm.Settings{}, err
	}
	return alarm.Settings{HolidayAutoSkip: autoSkip != 0}, nil
}

func (r *sqlSettings) Save(ctx context.Context, s alarm.Settings) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings(id, holiday_auto_skip) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET holiday_auto_skip=excluded.holiday_auto_skip`,
		boolInt(s.HolidayAutoSkip))
	return err
}

// ---- tokens ----

type sqlTokens sqliteStore

func (r *sqlTokens) ListPending(ctx context.Context) ([]alarm.ScheduledToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, plan_id, date, fire_at_ms, os_identifier, status, created_at, updated_at
		 FROM tokens WHERE status = ? ORDER BY fire_at_ms, plan_id`, string(alarm.TokenPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.ScheduledToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqlTokens) SaveAll(ctx context.Context, ts []alarm.ScheduledToken) error {
	if len(ts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for i := range ts {
		t := ts[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tokens(id, plan_id, date, fire_at_ms, os_identifier, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
			t.ID, t.PlanID, t.Date, t.FireAt.UnixMilli(), t.OSIdentifier, string(t.Status),
			t.CreatedAt.Format(tsLayout), t.UpdatedAt.Format(tsLayout)); err != nil {
			// The partial unique index rejects a second pending row with the
			// same os_identifier.
			if isConstraintErr(err) {
				return fmt.Errorf("token %s: %w", t.OSIdentifier, ErrConflict)
			}
			return err
		}
		ts[i] = t
	}
	return tx.Commit()
}

func (r *sqlTokens) DeleteAllPending(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE status = ?`, string(alarm.TokenPending))
	return err
}

func (r *sqlTokens) FindByOSIdentifier(ctx context.Context, osID string) (alarm.ScheduledToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, plan_id, date, fire_at_ms, os_identifier, status, created_at, updated_at
		 FROM tokens WHERE os_identifier = ? AND status = ?`, osID, string(alarm.TokenPending))
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.ScheduledToken{}, ErrNotFound
	}
	return t, err
}

func (r *sqlTokens) MarkFired(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, updated_at = ? WHERE id = ?`,
		string(alarm.TokenFired), time.Now().Format(tsLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanToken(row rowScanner) (alarm.ScheduledToken, error) {
	var (
		t                alarm.ScheduledToken
		fireMS           int64
		status           string
		created, updated string
	)
	err := row.Scan(&t.ID, &t.PlanID, &t.Date, &fireMS, &t.OSIdentifier, &status, &created, &updated)
	if err != nil {
		return alarm.ScheduledToken{}, err
	}
	t.FireAt = time.UnixMilli(fireMS)
	t.Status = alarm.TokenStatus(status)
	t.CreatedAt, _ = time.Parse(tsLayout, created)
	t.UpdatedAt, _ = time.Parse(tsLayout, updated)
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isConstraintErr reports whether err is a SQLite constraint violation.
// The driver surfaces these as formatted messages, not sentinel values.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
