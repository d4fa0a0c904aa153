// Package alarm holds the domain model of the recurring-alarm engine:
// plans, skip exceptions, derived occurrences and scheduled tokens.
package alarm

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar-date encoding used everywhere a date crosses a
// package boundary (skip exceptions, holidays, tokens).
const DateLayout = "2006-01-02"

// Ring behavior bounds enforced by Plan.Validate.
const (
	RepeatCountMin = 1
	RepeatCountMax = 20

	IntervalMinutesMin = 1
	IntervalMinutesMax = 30
)

var (
	ErrEmptyWeekdays  = errors.New("alarm: weekday mask is empty")
	ErrBadTimeOfDay   = errors.New("alarm: invalid time of day")
	ErrBadRepeatCount = fmt.Errorf("alarm: repeat count out of range [%d,%d]", RepeatCountMin, RepeatCountMax)
	ErrBadInterval    = fmt.Errorf("alarm: ring interval out of range [%d,%d] minutes", IntervalMinutesMin, IntervalMinutesMax)
)

// Plan is a user-defined recurring alarm rule.
//
// TimeOfDay is local wall-clock time ("HH:MM"); no timezone is stored.
// It is kept as the raw string so a corrupted value surfaces as a parse
// error at planning time instead of silently producing a wrong instant.
type Plan struct {
	ID      string
	Enabled bool
	Label   string

	TimeOfDay string
	Weekdays  WeekdayMask

	// RepeatCount rings per session, IntervalMinutes between rings.
	RepeatCount     int
	IntervalMinutes int

	SoundID         string
	HolidayAutoSkip bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate reports the first constraint violated by the plan.
// A plan that fails validation can still be stored; it just never fires.
func (p Plan) Validate() error {
	if p.Weekdays == 0 {
		return ErrEmptyWeekdays
	}
	if _, _, err := ParseTimeOfDay(p.TimeOfDay); err != nil {
		return err
	}
	if p.RepeatCount < RepeatCountMin || p.RepeatCount > RepeatCountMax {
		return ErrBadRepeatCount
	}
	if p.IntervalMinutes < IntervalMinutesMin || p.IntervalMinutes > IntervalMinutesMax {
		return ErrBadInterval
	}
	return nil
}

// Interval returns the snooze gap as a duration.
func (p Plan) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

// SkipReason says why a date was excused.
type SkipReason string

const (
	SkipManual  SkipReason = "manual"
	SkipHoliday SkipReason = "holiday"
)

// SkipException suppresses one date for one plan.
// At most one exception exists per (PlanID, Date).
type SkipException struct {
	ID        string
	PlanID    string
	Date      string // DateLayout
	Reason    SkipReason
	CreatedAt time.Time
}

// Holiday is a reference date from the static holiday table. Read-only here.
type Holiday struct {
	Date  string // DateLayout
	Label string
}

// Settings are the engine-relevant user settings.
type Settings struct {
	// HolidayAutoSkip globally gates per-plan holiday skipping.
	HolidayAutoSkip bool
}

// Occurrence is one concrete, dated firing instance derived from a plan.
// It is a projection: produced fresh on every planner run, never stored.
type Occurrence struct {
	PlanID    string
	PlanLabel string
	SoundID   string

	Date      string // DateLayout
	TimeOfDay string // "HH:MM"
	FireAt    time.Time

	IsSkipped  bool
	SkipReason SkipReason // empty unless IsSkipped
}

// TokenStatus is the lifecycle state of a scheduled token.
type TokenStatus string

const (
	TokenPending   TokenStatus = "pending"
	TokenFired     TokenStatus = "fired"
	TokenCancelled TokenStatus = "cancelled"
)

// ScheduledToken is the durable record of one registration with the
// platform scheduler. OSIdentifier is unique among Pending tokens and is
// the key the platform hands back when the trigger fires.
type ScheduledToken struct {
	ID           string
	PlanID       string
	Date         string // DateLayout
	FireAt       time.Time
	OSIdentifier string
	Status       TokenStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayPayload is what the platform scheduler shows when a trigger
// fires. Opaque to the engine beyond construction.
type DisplayPayload struct {
	Label     string
	TimeOfDay string
	SoundID   string
}

// DateOf formats an instant as a calendar date in its own location.
func DateOf(t time.Time) string { return t.Format(DateLayout) }
