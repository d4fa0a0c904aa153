// Package planner expands enabled alarm plans into concrete, dated firing
// occurrences over a lookahead window, applying skip exceptions and
// holidays.
package planner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chime/internal/alarm"
	"chime/internal/storage"
	"chime/pkg/logx"
)

// DefaultLookaheadDays is how far ahead occurrences are computed. The
// platform scheduler cap makes longer windows pointless for scheduling;
// 21 days keeps listings snappy while always saturating the cap.
const DefaultLookaheadDays = 21

// Config controls the planner.
type Config struct {
	// LookaheadDays is clamped to [1, 90].
	LookaheadDays int
}

func (c Config) withDefaults() Config {
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = DefaultLookaheadDays
	}
	if c.LookaheadDays > 90 {
		c.LookaheadDays = 90
	}
	return c
}

// Service derives occurrences. Read-only against its collaborators.
type Service struct {
	mu  sync.Mutex
	cfg Config

	plans    storage.PlanRepository
	skips    storage.SkipRepository
	holidays storage.HolidayRepository
	settings storage.SettingsRepository

	log logx.Logger
}

func New(cfg Config, st storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		plans:    st.Plans(),
		skips:    st.Skips(),
		holidays: st.Holidays(),
		settings: st.Settings(),
		log:      log,
	}
}

// Apply swaps the planner config at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Plan walks the lookahead window for every enabled plan and returns the
// merged occurrence list, sorted ascending by fire instant (ties broken by
// plan ID). Skipped occurrences are included, flagged, for listing; the
// caller filters them before scheduling.
//
// Occurrences whose fire instant is not strictly after now are dropped, so
// today's already-passed time never reappears.
func (s *Service) Plan(ctx context.Context, now time.Time) ([]alarm.Occurrence, error) {
	s.mu.Lock()
	days := s.cfg.LookaheadDays
	s.mu.Unlock()

	plans, err := s.plans.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("planner: list plans: %w", err)
	}
	if len(plans) == 0 {
		return nil, nil
	}

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("planner: settings: %w", err)
	}

	y, mo, d := now.Date()
	windowStart := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	windowEnd := windowStart.AddDate(0, 0, days)
	from, to := alarm.DateOf(windowStart), alarm.DateOf(windowEnd)

	// The holiday table is shared across plans; fetch it once if anyone
	// wants it.
	var holidaySet map[string]bool
	if settings.HolidayAutoSkip && anyAutoSkip(plans) {
		hs, err := s.holidays.ListInRange(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("planner: holidays: %w", err)
		}
		holidaySet = make(map[string]bool, len(hs))
		for _, h := range hs {
			holidaySet[h.Date] = true
		}
	}

	var out []alarm.Occurrence
	for _, p := range plans {
		if p.Weekdays == 0 {
			continue
		}
		// A malformed time of day disables the plan for this run only.
		if _, _, err := alarm.ParseTimeOfDay(p.TimeOfDay); err != nil {
			s.log.Warn("plan has unparseable time of day; skipping for this run",
				logx.String("plan", p.ID), logx.String("time_of_day", p.TimeOfDay), logx.Err(err))
			continue
		}

		exceptions, err := s.skips.ListInRange(ctx, p.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("planner: skip exceptions for %s: %w", p.ID, err)
		}
		skipSet := make(map[string]bool, len(exceptions))
		for _, e := range exceptions {
			skipSet[e.Date] = true
		}

		for day := windowStart; day.Before(windowEnd); day = day.AddDate(0, 0, 1) {
			if !p.FiresOn(day) {
				continue
			}
			fireAt, err := p.At(day)
			if err != nil {
				// Unreachable after the parse check above.
				break
			}
			if !fireAt.After(now) {
				continue
			}

			date := alarm.DateOf(day)
			occ := alarm.Occurrence{
				PlanID:    p.ID,
				PlanLabel: p.Label,
				SoundID:   p.SoundID,
				Date:      date,
				TimeOfDay: p.TimeOfDay,
				FireAt:    fireAt,
			}
			// Holiday wins over manual when both excuse the same date.
			switch {
			case p.HolidayAutoSkip && holidaySet[date]:
				occ.IsSkipped = true
				occ.SkipReason = alarm.SkipHoliday
			case skipSet[date]:
				occ.IsSkipped = true
				occ.SkipReason = alarm.SkipManual
			}
			out = append(out, occ)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out, nil
}

func anyAutoSkip(plans []alarm.Plan) bool {
	for _, p := range plans {
		if p.HolidayAutoSkip {
			return true
		}
	}
	return false
}
