package signup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPattern  = errors.New("invalid pattern")
	ErrPatternNotFound = errors.New("pattern not found")
)

// TimeOfDay is a wall-clock time in minutes after midnight (0..1439).
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// ClockOf returns the time of day of t in loc, truncated to the minute.
func ClockOf(t time.Time, loc *time.Location) TimeOfDay {
	if loc != nil {
		t = t.In(loc)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Valid() bool { return t >= 0 && t < 24*60 }

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()) }

// TrackedPattern is a user's recurrence rule ("this class, this weekday and time").
//
// LocationID empty means any sub-location of the configured venue.
// InstructorID is only consulted when MatchInstructor is set; TimeToleranceMinutes
// only when MatchExactTime is unset.
type TrackedPattern struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner,omitempty"`
	Label        string       `json:"label,omitempty"`
	ActivityID   string       `json:"activity_id"`
	LocationID   string       `json:"location_id,omitempty"`
	Weekday      time.Weekday `json:"weekday"`
	Time         TimeOfDay    `json:"time"`

	MatchInstructor      bool   `json:"match_instructor"`
	InstructorID         string `json:"instructor_id,omitempty"`
	MatchExactTime       bool   `json:"match_exact_time"`
	TimeToleranceMinutes int    `json:"time_tolerance_minutes"`

	AutoSignupEnabled bool `json:"auto_signup_enabled"`
	SignupLeadHours   int  `json:"signup_lead_hours"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate reports a configuration error that makes the pattern unusable.
func (p TrackedPattern) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id required", ErrInvalidPattern)
	case strings.TrimSpace(p.ActivityID) == "":
		return fmt.Errorf("%w: activity_id required", ErrInvalidPattern)
	case p.Weekday < time.Sunday || p.Weekday > time.Saturday:
		return fmt.Errorf("%w: weekday out of range: %d", ErrInvalidPattern, p.Weekday)
	case !p.Time.Valid():
		return fmt.Errorf("%w: time out of range: %d", ErrInvalidPattern, p.Time)
	case p.MatchInstructor && strings.TrimSpace(p.InstructorID) == "":
		return fmt.Errorf("%w: instructor_id required when match_instructor is set", ErrInvalidPattern)
	case p.TimeToleranceMinutes < 0:
		return fmt.Errorf("%w: time_tolerance_minutes must be >= 0", ErrInvalidPattern)
	case p.SignupLeadHours < 0:
		return fmt.Errorf("%w: signup_lead_hours must be >= 0", ErrInvalidPattern)
	case p.AutoSignupEnabled && p.SignupLeadHours == 0:
		// opensAt would equal the start, so the window could never be open.
		return fmt.Errorf("%w: signup_lead_hours must be > 0 when auto signup is enabled", ErrInvalidPattern)
	}
	return nil
}

// ParseWeekday accepts full or three-letter English names and 0..6 (Sunday=0).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday out of range: %d", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
