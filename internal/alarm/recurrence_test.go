package alarm

import (
	"errors"
	"testing"
	"time"
)

func TestWeekdayMaskBits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mask WeekdayMask
		day  time.Weekday
		want bool
	}{
		{name: "monday is bit0", mask: 1 << 0, day: time.Monday, want: true},
		{name: "sunday is bit6", mask: 1 << 6, day: time.Sunday, want: true},
		{name: "saturday not in weekdays", mask: MaskWeekdays(), day: time.Saturday, want: false},
		{name: "friday in weekdays", mask: MaskWeekdays(), day: time.Friday, want: true},
		{name: "empty mask", mask: 0, day: time.Monday, want: false},
		{name: "all", mask: MaskAll, day: time.Wednesday, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mask.Contains(tt.day); got != tt.want {
				t.Fatalf("Contains(%v) = %v, want %v", tt.day, got, tt.want)
			}
		})
	}
}

func TestFiresOn(t *testing.T) {
	t.Parallel()
	p := Plan{Weekdays: Mask(time.Monday, time.Wednesday)}

	mon := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC) // a Monday
	if !p.FiresOn(mon) {
		t.Fatal("expected plan to fire on Monday")
	}
	if p.FiresOn(mon.AddDate(0, 0, 1)) {
		t.Fatal("did not expect plan to fire on Tuesday")
	}
	if !p.FiresOn(mon.AddDate(0, 0, 2)) {
		t.Fatal("expected plan to fire on Wednesday")
	}
}

func TestFiresOnEmptyMaskNeverFires(t *testing.T) {
	t.Parallel()
	p := Plan{Weekdays: 0}
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		if p.FiresOn(day.AddDate(0, 0, i)) {
			t.Fatalf("empty mask fired on %v", day.AddDate(0, 0, i).Weekday())
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	h, m, err := ParseTimeOfDay("07:05")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if h != 7 || m != 5 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, raw := range []string{"", "7", "24:00", "12:60", "aa:bb", "1:2:3"} {
		if _, _, err := ParseTimeOfDay(raw); !errors.Is(err, ErrBadTimeOfDay) {
			t.Fatalf("ParseTimeOfDay(%q) = %v, want ErrBadTimeOfDay", raw, err)
		}
	}
}

func TestPlanAt(t *testing.T) {
	t.Parallel()
	p := Plan{TimeOfDay: "06:30"}
	day := time.Date(2025, 3, 4, 15, 22, 9, 0, time.Local)
	got, err := p.At(day)
	if err != nil {
		t.Fatalf("At error: %v", err)
	}
	want := time.Date(2025, 3, 4, 6, 30, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Fatalf("At = %v, want %v", got, want)
	}
}

func TestPlanValidate(t *testing.T) {
	t.Parallel()
	base := Plan{
		TimeOfDay:       "07:00",
		Weekdays:        MaskWeekdays(),
		RepeatCount:     3,
		IntervalMinutes: 5,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Plan)
		want   error
	}{
		{name: "empty mask", mutate: func(p *Plan) { p.Weekdays = 0 }, want: ErrEmptyWeekdays},
		{name: "bad time", mutate: func(p *Plan) { p.TimeOfDay = "25:00" }, want: ErrBadTimeOfDay},
		{name: "repeat too high", mutate: func(p *Plan) { p.RepeatCount = 21 }, want: ErrBadRepeatCount},
		{name: "repeat zero", mutate: func(p *Plan) { p.RepeatCount = 0 }, want: ErrBadRepeatCount},
		{name: "interval too high", mutate: func(p *Plan) { p.IntervalMinutes = 31 }, want: ErrBadInterval},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}
