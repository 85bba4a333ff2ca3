package alarm

import (
	"fmt"
	"strings"
	"time"

	"shockclock/internal/storage"
)

// FromRecord decodes a stored record, interpreting timestamps in loc.
// Any unreadable field makes the whole record malformed.
func FromRecord(r storage.AlarmRecord, loc *time.Location) (Alarm, error) {
	if loc == nil {
		loc = time.Local
	}
	wall, err := time.Parse(storage.TimeLayout, strings.TrimSpace(r.TriggerAt))
	if err != nil {
		return Alarm{}, fmt.Errorf("alarm %q: trigger_at: %w", r.Name, err)
	}
	days, err := ParseWeekdayList(r.Days)
	if err != nil {
		return Alarm{}, fmt.Errorf("alarm %q: days: %w", r.Name, err)
	}
	a := Alarm{
		Name:          r.Name,
		TriggerAt:     inZone(wall, loc),
		Wall:          wall,
		Intensity:     r.Intensity,
		DurationMS:    r.DurationMS,
		VibrateBefore: r.VibrateBefore,
		Repeat:        r.Repeat,
		Days:          days,
	}
	if v := strings.TrimSpace(r.VibratedAt); v != "" {
		if a.VibratedAt, err = time.ParseInLocation(storage.TimeLayout, v, loc); err != nil {
			return Alarm{}, fmt.Errorf("alarm %q: vibrated_at: %w", r.Name, err)
		}
	}
	if err := a.Validate(); err != nil {
		return Alarm{}, fmt.Errorf("alarm %q: %w", r.Name, err)
	}
	return a, nil
}

// Record encodes a for storage. The intended wall time is stored, not the
// instant, so a DST gap does not shift later occurrences. Sub-second
// precision is dropped.
func (a Alarm) Record() storage.AlarmRecord {
	r := storage.AlarmRecord{
		Name:          a.Name,
		TriggerAt:     a.WallTime().Format(storage.TimeLayout),
		Intensity:     a.Intensity,
		DurationMS:    a.DurationMS,
		VibrateBefore: a.VibrateBefore,
		Repeat:        a.Repeat,
		Days:          a.Days.String(),
	}
	if !a.VibratedAt.IsZero() {
		r.VibratedAt = a.VibratedAt.Format(storage.TimeLayout)
	}
	return r
}
