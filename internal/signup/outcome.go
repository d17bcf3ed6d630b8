package signup

// OutcomeKind enumerates every result the booking gateway can report.
// The zero value is OutcomeError so an unset outcome never reads as success.
type OutcomeKind int

const (
	OutcomeError OutcomeKind = iota
	OutcomeSuccess
	OutcomeWaitlisted
	OutcomeAlreadyEnrolled
	OutcomeAlreadyWaitlisted
	OutcomeFull
	OutcomeWaitlistFull
	OutcomeWaitlistUnavailable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeWaitlisted:
		return "waitlisted"
	case OutcomeAlreadyEnrolled:
		return "already_enrolled"
	case OutcomeAlreadyWaitlisted:
		return "already_waitlisted"
	case OutcomeFull:
		return "full"
	case OutcomeWaitlistFull:
		return "waitlist_full"
	case OutcomeWaitlistUnavailable:
		return "waitlist_unavailable"
	default:
		return "error"
	}
}

// Outcome is the tagged result of a gateway write.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
}

func Succeeded(detail string) Outcome { return Outcome{Kind: OutcomeSuccess, Detail: detail} }

func Failed(detail string) Outcome { return Outcome{Kind: OutcomeError, Detail: detail} }

// IsTransient reports whether the outcome is a transport/auth/unknown failure
// (as opposed to a semantic booking answer).
func (o Outcome) IsTransient() bool { return o.Kind == OutcomeError }

func (o Outcome) String() string {
	if o.Detail == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Detail
}
