package lifecycle

import (
	"fmt"

	"chime/internal/alarm"
)

// OSIdentifier derives the platform registration key for one occurrence.
//
// It is a pure function of (plan, date, time) so that re-running a
// reschedule pass with unchanged inputs reproduces the same identifiers,
// and a plan can never hold two pending registrations for the same date.
// The time component is normalized ("7:5" and "07:05" collide on purpose).
func OSIdentifier(planID, date, timeOfDay string) (string, error) {
	h, m, err := alarm.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("chime:%s:%s:%02d%02d", planID, date, h, m), nil
}
