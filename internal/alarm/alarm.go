// Package alarm holds the alarm model and the pure evaluation step that
// decides, for a given instant, which alarms fire and how each one is
// rescheduled or retired.
package alarm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid alarm")

// Intensity bounds accepted by the device API.
const (
	MinIntensity = 1
	MaxIntensity = 100
)

// Alarm is one named alarm of one user.
//
// TriggerAt is a wall-clock instant in the scheduler's location. Recurrence is
// not stored as a rule: a repeating alarm's TriggerAt is advanced every time
// it fires.
type Alarm struct {
	Name      string
	TriggerAt time.Time
	// Wall is the intended wall-clock time of TriggerAt without a zone. The
	// two differ only when Wall falls in a DST gap. Zero means TriggerAt's own
	// wall clock.
	Wall time.Time

	Intensity     int
	DurationMS    int
	VibrateBefore bool

	// Repeat false: one-shot. Repeat true with empty Days: daily.
	Repeat bool
	Days   Weekdays

	// VibratedAt is the occurrence the pre-alarm vibration was sent for.
	VibratedAt time.Time
}

// WallTime returns Wall, or TriggerAt's wall clock when Wall is unset.
func (a Alarm) WallTime() time.Time {
	if !a.Wall.IsZero() {
		return a.Wall
	}
	return floating(a.TriggerAt)
}

func (a Alarm) Validate() error {
	switch {
	case strings.TrimSpace(a.Name) == "":
		return fmt.Errorf("%w: name required", ErrInvalid)
	case a.TriggerAt.IsZero():
		return fmt.Errorf("%w: trigger time required", ErrInvalid)
	case a.DurationMS <= 0:
		return fmt.Errorf("%w: duration must be > 0", ErrInvalid)
	case a.Intensity < MinIntensity || a.Intensity > MaxIntensity:
		return fmt.Errorf("%w: intensity must be %d..%d", ErrInvalid, MinIntensity, MaxIntensity)
	}
	return nil
}

// Weekdays is a set of time.Weekday values. The zero value is empty.
type Weekdays uint8

// Days in display order, Monday first.
var weekOrder = [...]time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Empty() bool { return w == 0 }

func (w Weekdays) Has(d time.Weekday) bool { return w&(1<<uint(d)) != 0 }

// Allows reports whether d is permitted; an empty set permits every day.
func (w Weekdays) Allows(d time.Weekday) bool { return w.Empty() || w.Has(d) }

// String renders "Monday,Friday"; empty is "".
func (w Weekdays) String() string {
	names := make([]string, 0, 7)
	for _, d := range weekOrder {
		if w.Has(d) {
			names = append(names, d.String())
		}
	}
	return strings.Join(names, ",")
}

// ParseWeekdays accepts full English names or three-letter abbreviations,
// case-insensitively. Blank entries are ignored.
func ParseWeekdays(names []string) (Weekdays, error) {
	var w Weekdays
	for _, raw := range names {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		found := false
		for _, d := range weekOrder {
			full := strings.ToLower(d.String())
			if s == full || s == full[:3] {
				w |= 1 << uint(d)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalid, raw)
		}
	}
	return w, nil
}

// ParseWeekdayList parses a comma-separated list, the stored form.
func ParseWeekdayList(s string) (Weekdays, error) {
	return ParseWeekdays(strings.Split(s, ","))
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalid, s)
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || len(mm) != 2 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalid, s)
	}
	return hour, minute, nil
}
