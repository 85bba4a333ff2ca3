package alarm

import (
	"fmt"
	"reflect"
	"testing"
	"time"
	_ "time/tzdata"

	"shockclock/internal/storage"
)

var testNow = time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC) // Wednesday

func TestEvaluateOneShotDue(t *testing.T) {
	t.Parallel()
	a := Alarm{Name: "wake", TriggerAt: testNow.Add(-time.Minute), Intensity: 40, DurationMS: 1500}

	res := Evaluate(testNow, []Alarm{a}, Policy{})
	if len(res.Triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(res.Triggers))
	}
	tr := res.Triggers[0]
	if tr.Kind != KindShock || tr.Intensity != 40 || tr.DurationMS != 1500 || tr.Alarm != "wake" {
		t.Fatalf("unexpected trigger: %+v", tr)
	}
	if len(res.Changes) != 1 || res.Changes[0].Op != ChangeDelete || res.Changes[0].Name != "wake" {
		t.Fatalf("expected delete of wake, got %+v", res.Changes)
	}
}

func TestEvaluateDailyAdvancesOneDay(t *testing.T) {
	t.Parallel()
	due := testNow.Add(-time.Minute)
	a := Alarm{Name: "daily", TriggerAt: due, Intensity: 10, DurationMS: 1000, Repeat: true}

	res := Evaluate(testNow, []Alarm{a}, Policy{})
	if len(res.Triggers) != 1 || res.Triggers[0].Kind != KindShock {
		t.Fatalf("expected one shock, got %+v", res.Triggers)
	}
	if len(res.Changes) != 1 || res.Changes[0].Op != ChangeUpdate {
		t.Fatalf("expected update, got %+v", res.Changes)
	}
	if got, want := res.Changes[0].Alarm.TriggerAt, due.Add(24*time.Hour); !got.Equal(want) {
		t.Fatalf("TriggerAt = %v, want %v", got, want)
	}
}

func TestEvaluateVibrateBeforeWindow(t *testing.T) {
	t.Parallel()
	a := Alarm{Name: "soon", TriggerAt: testNow.Add(30 * time.Second), Intensity: 80, DurationMS: 3000, VibrateBefore: true}
	p := Policy{VibrateWindow: time.Minute, VibrateIntensity: 25, VibrateDurationMS: 1000}

	res := Evaluate(testNow, []Alarm{a}, p)
	if len(res.Triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(res.Triggers))
	}
	tr := res.Triggers[0]
	if tr.Kind != KindVibrate || tr.Intensity != 25 || tr.DurationMS != 1000 {
		t.Fatalf("unexpected trigger: %+v", tr)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("expected no changes without vibrate-once, got %+v", res.Changes)
	}
}

func TestEvaluateVibrateOnce(t *testing.T) {
	t.Parallel()
	a := Alarm{Name: "soon", TriggerAt: testNow.Add(30 * time.Second), Intensity: 80, DurationMS: 3000, VibrateBefore: true}
	p := Policy{VibrateOnce: true}

	first := Evaluate(testNow, []Alarm{a}, p)
	if len(first.Triggers) != 1 || len(first.Changes) != 1 {
		t.Fatalf("first pass: %+v", first)
	}
	marked := first.Changes[0].Alarm
	if !marked.VibratedAt.Equal(a.TriggerAt) {
		t.Fatalf("VibratedAt = %v, want %v", marked.VibratedAt, a.TriggerAt)
	}

	second := Evaluate(testNow.Add(10*time.Second), []Alarm{marked}, p)
	if len(second.Triggers) != 0 || len(second.Changes) != 0 {
		t.Fatalf("second pass should be quiet, got %+v", second)
	}

	// The shock still fires once due, and the marker is cleared for the next occurrence.
	a2 := marked
	a2.Repeat = true
	due := Evaluate(a2.TriggerAt, []Alarm{a2}, p)
	if len(due.Triggers) != 1 || due.Triggers[0].Kind != KindShock {
		t.Fatalf("expected shock when due, got %+v", due.Triggers)
	}
	if !due.Changes[0].Alarm.VibratedAt.IsZero() {
		t.Fatalf("VibratedAt should reset after firing")
	}
}

func TestEvaluateOutsideWindowIsQuiet(t *testing.T) {
	t.Parallel()
	alarms := []Alarm{
		{Name: "later", TriggerAt: testNow.Add(2 * time.Hour), Intensity: 5, DurationMS: 500, VibrateBefore: true},
		{Name: "no-vibe", TriggerAt: testNow.Add(10 * time.Second), Intensity: 5, DurationMS: 500},
	}
	res := Evaluate(testNow, alarms, Policy{})
	if len(res.Triggers) != 0 || len(res.Changes) != 0 {
		t.Fatalf("expected nothing, got %+v", res)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	t.Parallel()
	alarms := []Alarm{
		{Name: "a", TriggerAt: testNow.Add(-time.Hour), Intensity: 5, DurationMS: 500, Repeat: true},
		{Name: "b", TriggerAt: testNow.Add(20 * time.Second), Intensity: 5, DurationMS: 500, VibrateBefore: true},
		{Name: "c", TriggerAt: testNow.Add(-time.Second), Intensity: 5, DurationMS: 500},
	}
	orig := append([]Alarm(nil), alarms...)
	p := Policy{VibrateOnce: true}

	r1 := Evaluate(testNow, alarms, p)
	r2 := Evaluate(testNow, alarms, p)
	if !reflect.DeepEqual(r1, r2) {
		t.Fatalf("results differ:\n%+v\n%+v", r1, r2)
	}
	if !reflect.DeepEqual(alarms, orig) {
		t.Fatalf("input mutated")
	}
	if len(r1.Triggers) != 3 {
		t.Fatalf("expected 3 triggers, got %d", len(r1.Triggers))
	}
}

func TestEvaluateStaleRepeatFiresOnce(t *testing.T) {
	t.Parallel()
	due := testNow.AddDate(0, 0, -10).Add(-time.Minute)
	a := Alarm{Name: "stale", TriggerAt: due, Intensity: 5, DurationMS: 500, Repeat: true}

	res := Evaluate(testNow, []Alarm{a}, Policy{})
	if len(res.Triggers) != 1 {
		t.Fatalf("expected a single catch-up trigger, got %d", len(res.Triggers))
	}
	next := res.Changes[0].Alarm.TriggerAt
	if !next.After(testNow) {
		t.Fatalf("next %v not after now %v", next, testNow)
	}
	if next.Sub(testNow) > 24*time.Hour {
		t.Fatalf("next %v too far ahead", next)
	}
	if next.Hour() != due.Hour() || next.Minute() != due.Minute() {
		t.Fatalf("time of day drifted: %v", next)
	}
}

func TestEvaluateWeekdayRepeatLandsOnAllowedDay(t *testing.T) {
	t.Parallel()
	days := NewWeekdays(time.Monday, time.Friday)
	for i := 0; i < 14; i++ {
		now := testNow.AddDate(0, 0, i)
		a := Alarm{Name: "w", TriggerAt: now.Add(-time.Minute), Intensity: 5, DurationMS: 500, Repeat: true, Days: days}
		res := Evaluate(now, []Alarm{a}, Policy{})
		next := res.Changes[0].Alarm.TriggerAt
		if !days.Has(next.Weekday()) {
			t.Fatalf("day %d: next %v on %v", i, next, next.Weekday())
		}
		if !next.After(now) {
			t.Fatalf("day %d: next %v not after %v", i, next, now)
		}
	}
}

// applyChanges returns alarms with changes applied the way a store would.
func applyChanges(alarms []Alarm, changes []Change) []Alarm {
	byName := map[string]Change{}
	for _, ch := range changes {
		byName[ch.Name] = ch
	}
	var out []Alarm
	for _, a := range alarms {
		ch, ok := byName[a.Name]
		switch {
		case !ok:
			out = append(out, a)
		case ch.Op == ChangeUpdate:
			out = append(out, ch.Alarm)
		}
	}
	return out
}

func TestEvaluateAppliedChangesAreIdempotent(t *testing.T) {
	t.Parallel()
	alarms := []Alarm{
		{Name: "once", TriggerAt: testNow.Add(-time.Minute), Intensity: 5, DurationMS: 500},
		{Name: "daily", TriggerAt: testNow.Add(-time.Minute), Intensity: 5, DurationMS: 500, Repeat: true},
		{Name: "fri", TriggerAt: testNow, Intensity: 5, DurationMS: 500, Repeat: true, Days: NewWeekdays(time.Friday)},
		{Name: "soon", TriggerAt: testNow.Add(20 * time.Second), Intensity: 5, DurationMS: 500, VibrateBefore: true},
	}
	p := Policy{VibrateOnce: true}

	first := Evaluate(testNow, alarms, p)
	if len(first.Triggers) != 4 {
		t.Fatalf("expected 4 triggers, got %+v", first.Triggers)
	}
	second := Evaluate(testNow, applyChanges(alarms, first.Changes), p)
	if len(second.Triggers) != 0 || len(second.Changes) != 0 {
		t.Fatalf("re-evaluating applied state at the same instant fired again: %+v", second)
	}
}

func TestEvaluateDailyKeepsWallClockAcrossDSTGap(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	// Clocks jump from 02:00 to 03:00 on 2026-03-08.
	a, err := FromRecord(storage.AlarmRecord{Name: "early", TriggerAt: "2026-03-07 02:30:00", Intensity: 10, DurationMS: 1000, Repeat: true}, ny)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	for _, day := range []int{8, 9, 10} {
		res := Evaluate(a.TriggerAt.Add(time.Minute), []Alarm{a}, Policy{})
		if len(res.Triggers) != 1 || len(res.Changes) != 1 {
			t.Fatalf("day %d: unexpected result %+v", day, res)
		}
		rec := res.Changes[0].Alarm.Record()
		if want := fmt.Sprintf("2026-03-%02d 02:30:00", day); rec.TriggerAt != want {
			t.Fatalf("stored %q, want %q", rec.TriggerAt, want)
		}
		if a, err = FromRecord(rec, ny); err != nil {
			t.Fatalf("FromRecord: %v", err)
		}
	}
	if h, m, _ := a.TriggerAt.Clock(); h != 2 || m != 30 {
		t.Fatalf("after the gap the alarm fires at %02d:%02d, want 02:30", h, m)
	}
}
