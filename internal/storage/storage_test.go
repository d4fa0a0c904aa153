package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chime/internal/alarm"
	"chime/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chime.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			p := alarm.Plan{
				Enabled:         true,
				Label:           "wake up",
				TimeOfDay:       "07:00",
				Weekdays:        alarm.MaskWeekdays(),
				RepeatCount:     3,
				IntervalMinutes: 5,
				SoundID:         "bell",
				HolidayAutoSkip: true,
			}
			if err := st.Plans().Save(ctx, &p); err != nil {
				t.Fatalf("save: %v", err)
			}
			if p.ID == "" {
				t.Fatal("expected minted plan ID")
			}

			got, err := st.Plans().Get(ctx, p.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Label != "wake up" || got.TimeOfDay != "07:00" || got.Weekdays != alarm.MaskWeekdays() {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if !got.HolidayAutoSkip || got.RepeatCount != 3 || got.IntervalMinutes != 5 {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			// Disabled plans drop out of ListEnabled.
			got.Enabled = false
			if err := st.Plans().Save(ctx, &got); err != nil {
				t.Fatalf("update: %v", err)
			}
			enabled, err := st.Plans().ListEnabled(ctx)
			if err != nil {
				t.Fatalf("list enabled: %v", err)
			}
			for _, e := range enabled {
				if e.ID == p.ID {
					t.Fatal("disabled plan still listed as enabled")
				}
			}

			if err := st.Plans().Delete(ctx, p.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.Plans().Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSkipExceptionUpsertPerPlanDate(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			e1 := alarm.SkipException{PlanID: "p1", Date: "2025-03-05", Reason: alarm.SkipManual}
			if err := st.Skips().Save(ctx, &e1); err != nil {
				t.Fatalf("save: %v", err)
			}
			// Second save for the same (plan, date) must not create a row.
			e2 := alarm.SkipException{PlanID: "p1", Date: "2025-03-05", Reason: alarm.SkipHoliday}
			if err := st.Skips().Save(ctx, &e2); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			// The old row's identity survives and is echoed back.
			if e2.ID != e1.ID {
				t.Fatalf("upsert minted a new ID: %s vs %s", e2.ID, e1.ID)
			}
			if !e2.CreatedAt.Equal(e1.CreatedAt) {
				t.Fatalf("upsert changed created_at: %v vs %v", e2.CreatedAt, e1.CreatedAt)
			}

			got, err := st.Skips().ListInRange(ctx, "p1", "2025-03-01", "2025-03-10")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 exception, got %d", len(got))
			}
			if got[0].Reason != alarm.SkipHoliday {
				t.Fatalf("reason = %q, want holiday", got[0].Reason)
			}
			if got[0].ID != e1.ID {
				t.Fatalf("listed ID %s, want original %s", got[0].ID, e1.ID)
			}

			// Range filter excludes the end date.
			got, err = st.Skips().ListInRange(ctx, "p1", "2025-03-01", "2025-03-05")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("half-open range violated: %+v", got)
			}

			if err := st.Skips().Delete(ctx, "p1", "2025-03-05"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.Skips().Delete(ctx, "p1", "2025-03-05"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPendingIdentifierConflict(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			first := []alarm.ScheduledToken{
				{PlanID: "p1", Date: "2025-03-03", FireAt: base, OSIdentifier: "os-dup", Status: alarm.TokenPending},
			}
			if err := st.Tokens().SaveAll(ctx, first); err != nil {
				t.Fatalf("save: %v", err)
			}

			// A second pending token with the same OS identifier violates
			// the uniqueness invariant.
			dup := []alarm.ScheduledToken{
				{PlanID: "p2", Date: "2025-03-03", FireAt: base, OSIdentifier: "os-dup", Status: alarm.TokenPending},
			}
			if err := st.Tokens().SaveAll(ctx, dup); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate pending save = %v, want ErrConflict", err)
			}

			// Once the holder fires, the identifier is free again.
			if err := st.Tokens().MarkFired(ctx, first[0].ID); err != nil {
				t.Fatalf("mark fired: %v", err)
			}
			dup[0].ID = ""
			if err := st.Tokens().SaveAll(ctx, dup); err != nil {
				t.Fatalf("save after fire: %v", err)
			}
		})
	}
}

func TestHolidaysAndSettings(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			hs := []alarm.Holiday{
				{Date: "2025-01-01", Label: "New Year"},
				{Date: "2025-05-01", Label: "May Day"},
			}
			if err := st.Holidays().ReplaceAll(ctx, hs); err != nil {
				t.Fatalf("seed: %v", err)
			}
			got, err := st.Holidays().ListInRange(ctx, "2025-01-01", "2025-02-01")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 1 || got[0].Label != "New Year" {
				t.Fatalf("unexpected holidays: %+v", got)
			}

			s, err := st.Settings().Get(ctx)
			if err != nil {
				t.Fatalf("settings get: %v", err)
			}
			if s.HolidayAutoSkip {
				t.Fatal("default settings should not auto-skip")
			}
			if err := st.Settings().Save(ctx, alarm.Settings{HolidayAutoSkip: true}); err != nil {
				t.Fatalf("settings save: %v", err)
			}
			s, err = st.Settings().Get(ctx)
			if err != nil {
				t.Fatalf("settings get: %v", err)
			}
			if !s.HolidayAutoSkip {
				t.Fatal("settings save did not stick")
			}
		})
	}
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ts := []alarm.ScheduledToken{
				{PlanID: "p1", Date: "2025-03-04", FireAt: base.AddDate(0, 0, 1), OSIdentifier: "os-2", Status: alarm.TokenPending},
				{PlanID: "p1", Date: "2025-03-03", FireAt: base, OSIdentifier: "os-1", Status: alarm.TokenPending},
			}
			if err := st.Tokens().SaveAll(ctx, ts); err != nil {
				t.Fatalf("save all: %v", err)
			}

			pending, err := st.Tokens().ListPending(ctx)
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d", len(pending))
			}
			if !pending[0].FireAt.Before(pending[1].FireAt) {
				t.Fatal("pending tokens not sorted by fire instant")
			}

			tok, err := st.Tokens().FindByOSIdentifier(ctx, "os-1")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if err := st.Tokens().MarkFired(ctx, tok.ID); err != nil {
				t.Fatalf("mark fired: %v", err)
			}
			// Fired tokens leave the pending view and the osID lookup.
			if _, err := st.Tokens().FindByOSIdentifier(ctx, "os-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("find fired = %v, want ErrNotFound", err)
			}

			if err := st.Tokens().DeleteAllPending(ctx); err != nil {
				t.Fatalf("delete pending: %v", err)
			}
			pending, err = st.Tokens().ListPending(ctx)
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("pending not cleared: %+v", pending)
			}
			// History (fired rows) survives the clear.
			if _, err := st.Tokens().FindByOSIdentifier(ctx, "os-2"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted pending token still findable: %v", err)
			}
		})
	}
}
