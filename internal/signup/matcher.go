package signup

import (
	"sort"
	"time"
)

// Matcher selects occurrences that satisfy a pattern.
//
// Weekday and time of day are evaluated in the venue's civil time zone for both
// sides so a DST switch never shifts a match by an hour.
type Matcher struct {
	loc *time.Location
}

func NewMatcher(loc *time.Location) Matcher {
	if loc == nil {
		loc = time.Local
	}
	return Matcher{loc: loc}
}

func (m Matcher) Location() *time.Location { return m.loc }

// Match returns the subset of occs matching p. Order follows occs; callers sort
// when they need a particular order.
func (m Matcher) Match(p TrackedPattern, occs []Occurrence) []Occurrence {
	var out []Occurrence
	for _, o := range occs {
		if m.Matches(p, o) {
			out = append(out, o)
		}
	}
	return out
}

// Matches applies the match rules to a single occurrence.
func (m Matcher) Matches(p TrackedPattern, o Occurrence) bool {
	if o.ActivityID != p.ActivityID {
		return false
	}
	if p.LocationID != "" && o.LocationID != p.LocationID {
		return false
	}
	local := o.Start.In(m.loc)
	if local.Weekday() != p.Weekday {
		return false
	}
	if p.MatchInstructor && o.InstructorID != p.InstructorID {
		return false
	}
	clock := ClockOf(local, nil)
	if p.MatchExactTime {
		return clock == p.Time
	}
	diff := int(clock - p.Time)
	if diff < 0 {
		diff = -diff
	}
	return diff <= p.TimeToleranceMinutes
}

// SortByStart orders occurrences soonest first (ties broken by id).
func SortByStart(occs []Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].ID < occs[j].ID
	})
}

// NextStarts estimates upcoming start times for p without asking upstream:
// every weekly slot at p.Weekday/p.Time in loc from now (inclusive) up to horizon.
func NextStarts(p TrackedPattern, now time.Time, horizon time.Duration, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	days := (int(p.Weekday) - int(local.Weekday()) + 7) % 7
	y, mo, d := local.Date()
	// time.Date normalizes DST gaps the same way upstream calendars do.
	start := time.Date(y, mo, d+days, p.Time.Hour(), p.Time.Minute(), 0, 0, loc)
	if start.Before(local) {
		start = time.Date(y, mo, d+days+7, p.Time.Hour(), p.Time.Minute(), 0, 0, loc)
	}
	end := now.Add(horizon)
	var out []time.Time
	for !start.After(end) {
		out = append(out, start)
		sy, sm, sd := start.Date()
		start = time.Date(sy, sm, sd+7, p.Time.Hour(), p.Time.Minute(), 0, 0, loc)
	}
	return out
}
