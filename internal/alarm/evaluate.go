package alarm

import "time"

type Kind string

const (
	KindShock   Kind = "Shock"
	KindVibrate Kind = "Vibrate"
)

// Policy holds the evaluation knobs that are not part of an alarm.
type Policy struct {
	// VibrateWindow is how long before TriggerAt a pre-alarm vibration may fire.
	VibrateWindow     time.Duration
	VibrateIntensity  int
	VibrateDurationMS int

	// VibrateOnce suppresses repeat vibrations for the same occurrence by
	// consulting and setting Alarm.VibratedAt. When false, every pass inside
	// the window emits a vibration.
	VibrateOnce bool
}

const (
	DefaultVibrateWindow     = 60 * time.Second
	DefaultVibrateIntensity  = 25
	DefaultVibrateDurationMS = 1000
)

func (p Policy) withDefaults() Policy {
	if p.VibrateWindow <= 0 {
		p.VibrateWindow = DefaultVibrateWindow
	}
	if p.VibrateIntensity <= 0 {
		p.VibrateIntensity = DefaultVibrateIntensity
	}
	if p.VibrateDurationMS <= 0 {
		p.VibrateDurationMS = DefaultVibrateDurationMS
	}
	return p
}

// Trigger is one device command the caller should send.
type Trigger struct {
	Alarm      string
	Kind       Kind
	Intensity  int
	DurationMS int
	// Due is the occurrence this trigger belongs to.
	Due time.Time
}

type ChangeOp int

const (
	ChangeUpdate ChangeOp = iota + 1
	ChangeDelete
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a state transition the caller must persist.
// Alarm is set for ChangeUpdate only.
type Change struct {
	Op    ChangeOp
	Name  string
	Alarm Alarm
}

type Result struct {
	Triggers []Trigger
	Changes  []Change
}

// Evaluate decides what happens at now. It is pure: alarms is not modified
// and the same inputs always give the same Result.
//
// Per alarm, in input order:
//   - due (now >= TriggerAt): one shock trigger, then delete (one-shot) or
//     update to the next occurrence (repeating).
//   - inside [TriggerAt-VibrateWindow, TriggerAt) with VibrateBefore: one
//     vibrate trigger at policy intensity/duration.
func Evaluate(now time.Time, alarms []Alarm, p Policy) Result {
	p = p.withDefaults()
	var res Result
	for _, a := range alarms {
		if !now.Before(a.TriggerAt) {
			res.Triggers = append(res.Triggers, Trigger{
				Alarm:      a.Name,
				Kind:       KindShock,
				Intensity:  a.Intensity,
				DurationMS: a.DurationMS,
				Due:        a.TriggerAt,
			})
			if !a.Repeat {
				res.Changes = append(res.Changes, Change{Op: ChangeDelete, Name: a.Name})
				continue
			}
			next := a
			next.Wall, next.TriggerAt = NextOccurrence(a.WallTime(), a.TriggerAt.Location(), now, a.Days)
			next.VibratedAt = time.Time{}
			res.Changes = append(res.Changes, Change{Op: ChangeUpdate, Name: a.Name, Alarm: next})
			continue
		}

		if !a.VibrateBefore || now.Before(a.TriggerAt.Add(-p.VibrateWindow)) {
			continue
		}
		if p.VibrateOnce && a.VibratedAt.Equal(a.TriggerAt) {
			continue
		}
		res.Triggers = append(res.Triggers, Trigger{
			Alarm:      a.Name,
			Kind:       KindVibrate,
			Intensity:  p.VibrateIntensity,
			DurationMS: p.VibrateDurationMS,
			Due:        a.TriggerAt,
		})
		if p.VibrateOnce {
			marked := a
			marked.VibratedAt = a.TriggerAt
			res.Changes = append(res.Changes, Change{Op: ChangeUpdate, Name: a.Name, Alarm: marked})
		}
	}
	return res
}
