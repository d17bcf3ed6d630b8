package signup

import (
	"strings"
	"time"
)

// Status is the upstream lifecycle status of an occurrence.
type Status string

const (
	StatusScheduled   Status = "Scheduled"
	StatusRescheduled Status = "Rescheduled"
	StatusCancelled   Status = "Cancelled"
	StatusCompleted   Status = "Completed"
)

// Bookable reports whether the upstream platform still accepts registrations.
func (s Status) Bookable() bool {
	return s == StatusScheduled || s == StatusRescheduled
}

// Occurrence is a single upcoming instance of an activity as reported upstream.
// It is never persisted; LockVersion must be re-read before every write.
type Occurrence struct {
	ID           string        `json:"id"`
	ActivityID   string        `json:"activity_id"`
	ActivityName string        `json:"activity_name,omitempty"`
	InstructorID string        `json:"instructor_id,omitempty"`
	LocationID   string        `json:"location_id"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"duration"`
	Capacity     int           `json:"capacity"`
	Attended     int           `json:"attended"`
	IsEnrolled   bool          `json:"is_enrolled"`
	IsWaitlisted bool          `json:"is_waitlisted"`

	// BookingLeadHours is the platform's booking-open lead; 0 means unrestricted.
	BookingLeadHours int    `json:"booking_lead_hours"`
	LockVersion      string `json:"lock_version"`
	Status           Status `json:"status"`
}

func (o Occurrence) SpotsAvailable() int { return o.Capacity - o.Attended }

func (o Occurrence) CanRegister() bool {
	return o.Status.Bookable() && !o.IsEnrolled && !o.IsWaitlisted && o.SpotsAvailable() > 0
}

func (o Occurrence) CanJoinWaitlist() bool {
	return o.Status.Bookable() && !o.IsEnrolled && !o.IsWaitlisted && o.SpotsAvailable() <= 0
}

// Availability is a one-word booking state for listings.
func (o Occurrence) Availability() string {
	switch {
	case o.IsEnrolled:
		return "enrolled"
	case o.IsWaitlisted:
		return "waitlisted"
	case o.CanRegister():
		return "open"
	case o.CanJoinWaitlist():
		return "full"
	default:
		return strings.ToLower(string(o.Status))
	}
}

// Range is a half-open time interval [From, To).
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}
