package alarm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WeekdayMask is a 7-bit weekday set: Monday=bit0 ... Sunday=bit6.
type WeekdayMask uint8

// MaskAll has every weekday set.
const MaskAll WeekdayMask = 0x7F

// Mask builds a WeekdayMask from time.Weekday values.
func Mask(days ...time.Weekday) WeekdayMask {
	var m WeekdayMask
	for _, d := range days {
		m |= bitFor(d)
	}
	return m
}

// MaskWeekdays is Monday through Friday.
func MaskWeekdays() WeekdayMask {
	return Mask(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
}

func bitFor(d time.Weekday) WeekdayMask {
	// time.Weekday counts Sunday=0; the mask counts Monday=0.
	return 1 << ((int(d) + 6) % 7)
}

// Contains reports whether the weekday is in the set.
func (m WeekdayMask) Contains(d time.Weekday) bool {
	return m&bitFor(d) != 0
}

func (m WeekdayMask) String() string {
	if m == 0 {
		return "none"
	}
	names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	var parts []string
	for i, n := range names {
		if m&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ",")
}

// FiresOn reports whether the plan's recurrence matches the given calendar
// day. Pure and total: only the weekday of date is consulted.
func (p Plan) FiresOn(date time.Time) bool {
	return p.Weekdays.Contains(date.Weekday())
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q, expected HH:MM", ErrBadTimeOfDay, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrBadTimeOfDay, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrBadTimeOfDay, s)
	}
	return h, m, nil
}

// At combines a calendar day with the plan's time of day in the day's
// location.
func (p Plan) At(day time.Time) (time.Time, error) {
	h, m, err := ParseTimeOfDay(p.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, 0, 0, day.Location()), nil
}
