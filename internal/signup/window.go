package signup

import "time"

// Window is the registration window of one (pattern, occurrence) pair.
type Window struct {
	EffectiveLeadHours int
	OpensAt            time.Time
	IsOpen             bool
	HasPassed          bool
}

// EffectiveLeadHours picks the earlier of the user's preference and the
// platform's booking-open lead. A platform lead of 0 means unrestricted.
func EffectiveLeadHours(signupLeadHours, platformLeadHours int) int {
	if platformLeadHours > 0 && platformLeadHours < signupLeadHours {
		return platformLeadHours
	}
	return signupLeadHours
}

// ComputeWindow is pure: same inputs, same window.
func ComputeWindow(p TrackedPattern, o Occurrence, now time.Time) Window {
	lead := EffectiveLeadHours(p.SignupLeadHours, o.BookingLeadHours)
	opensAt := o.Start.Add(-time.Duration(lead) * time.Hour)
	return Window{
		EffectiveLeadHours: lead,
		OpensAt:            opensAt,
		IsOpen:             !now.Before(opensAt) && now.Before(o.Start),
		HasPassed:          !now.Before(o.Start),
	}
}

// PairState is the per-tick classification of a (pattern, occurrence) pair.
// Nothing about it is persisted; it is derived afresh every tick.
type PairState int

const (
	StateTooEarly PairState = iota
	StateExpired
	StateAlreadyTerminal
	StateEligible
)

func (s PairState) String() string {
	switch s {
	case StateTooEarly:
		return "too_early"
	case StateExpired:
		return "expired"
	case StateAlreadyTerminal:
		return "already_terminal"
	case StateEligible:
		return "eligible"
	default:
		return "unknown"
	}
}

// Classify folds a window and the ledger's terminal flag into a PairState.
// Expiry wins over everything so no attempt is made for a started class.
func Classify(w Window, terminal bool) PairState {
	switch {
	case w.HasPassed:
		return StateExpired
	case !w.IsOpen:
		return StateTooEarly
	case terminal:
		return StateAlreadyTerminal
	default:
		return StateEligible
	}
}
