package alarm

import "time"

// Wall clock arithmetic works on zone-less times: the date and clock fields
// are kept in UTC, which has no DST, and placed into a real location only to
// get an instant. A wall time that falls in a DST gap still has a
// well-defined instant (Go normalizes it) but the wall fields are never
// rewritten, so the next day is back at the intended time.

// floating drops t's zone, keeping its wall clock.
func floating(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// inZone places a zone-less wall time in loc.
func inZone(wall time.Time, loc *time.Location) time.Time {
	y, m, d := wall.Date()
	hh, mm, ss := wall.Clock()
	return time.Date(y, m, d, hh, mm, ss, 0, loc)
}

// FirstOccurrence returns the next hour:minute in now's location, today if it
// has not passed yet and tomorrow otherwise, then moved forward to the first
// weekday in days (if any). It returns the zone-less wall time and its
// instant.
func FirstOccurrence(now time.Time, hour, minute int, days Weekdays) (wall, at time.Time) {
	loc := now.Location()
	y, m, d := now.Date()
	wall = time.Date(y, m, d, hour, minute, 0, 0, time.UTC)
	if inZone(wall, loc).Before(now) {
		wall = wall.AddDate(0, 0, 1)
	}
	for !days.Allows(wall.Weekday()) {
		wall = wall.AddDate(0, 0, 1)
	}
	return wall, inZone(wall, loc)
}

// NextOccurrence advances the zone-less wall time by whole calendar days
// until its instant in loc is strictly after now and it falls on an allowed
// weekday. It always moves at least one day, so a stale occurrence is
// skipped in one step rather than fired once per missed day.
func NextOccurrence(wall time.Time, loc *time.Location, now time.Time, days Weekdays) (nextWall, at time.Time) {
	if loc == nil {
		loc = time.Local
	}
	next := wall.AddDate(0, 0, 1)
	// Long outages: jump most of the gap at once, one day short of now.
	if gap := floating(now.In(loc)).Sub(next); gap > 48*time.Hour {
		next = next.AddDate(0, 0, int(gap/(24*time.Hour))-1)
	}
	for !inZone(next, loc).After(now) || !days.Allows(next.Weekday()) {
		next = next.AddDate(0, 0, 1)
	}
	return next, inZone(next, loc)
}
