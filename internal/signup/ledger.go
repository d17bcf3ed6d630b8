package signup

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "signupbot/pkg/logx"
)

// AttemptResult is the outcome stored in the ledger.
type AttemptResult string

const (
	ResultSuccess    AttemptResult = "success"
	ResultWaitlisted AttemptResult = "waitlisted"
	ResultFailed     AttemptResult = "failed"
	// ResultCancelled marks a cancellation by the user; it suppresses all
	// further automatic attempts for the occurrence.
	ResultCancelled AttemptResult = "cancelled"
)

// Reasons recorded by the engine. ReasonWaitlistFull is duplicate-throttled.
const (
	ReasonWaitlistFull        = "waitlist full"
	ReasonWaitlistUnavailable = "waitlist unavailable"
	ReasonCancelledByUser     = "cancelled by user"
)

const (
	DefaultDuplicateWindow = 4 * time.Minute
	recentFailureWindow    = 24 * time.Hour
)

// AttemptRecord is one ledger entry.
type AttemptRecord struct {
	ID              string        `json:"id"`
	OccurrenceID    string        `json:"occurrence_id"`
	PatternID       string        `json:"pattern_id,omitempty"`
	Result          AttemptResult `json:"result"`
	Reason          string        `json:"reason,omitempty"`
	At              time.Time     `json:"at"`
	OccurrenceStart time.Time     `json:"occurrence_start,omitempty"`
}

// LedgerStatus is everything the engine needs to know about one occurrence,
// read in a single store round trip.
type LedgerStatus struct {
	Succeeded       bool
	CancelledByUser bool
	Last            *AttemptRecord
	RecentFailures  []AttemptRecord
}

// Terminal reports whether no further automatic attempt may be made.
func (s LedgerStatus) Terminal() bool { return s.Succeeded || s.CancelledByUser }

var ErrLedgerUnavailable = errors.New("attempt ledger unavailable")

// Ledger enforces idempotency on top of a LogStore.
type Ledger struct {
	store LogStore
	log   logx.Logger

	dupWindow atomic.Int64
	clock     func() time.Time
}

func NewLedger(store LogStore, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log, clock: time.Now}
	l.dupWindow.Store(int64(DefaultDuplicateWindow))
	return l
}

// SetDuplicateWindow changes how long identical throttled failures are folded.
func (l *Ledger) SetDuplicateWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.dupWindow.Store(int64(d))
}

func (l *Ledger) Status(ctx context.Context, occurrenceID string) (LedgerStatus, error) {
	if l == nil || l.store == nil {
		return LedgerStatus{}, ErrLedgerUnavailable
	}
	recs, err := l.store.ListAttempts(ctx, occurrenceID)
	if err != nil {
		return LedgerStatus{}, err
	}
	return summarize(recs, l.clock()), nil
}

func summarize(recs []AttemptRecord, now time.Time) LedgerStatus {
	var st LedgerStatus
	for i := range recs {
		r := recs[i]
		switch r.Result {
		case ResultSuccess, ResultWaitlisted:
			st.Succeeded = true
		case ResultCancelled:
			st.CancelledByUser = true
		case ResultFailed:
			if now.Sub(r.At) <= recentFailureWindow {
				st.RecentFailures = append(st.RecentFailures, r)
			}
		}
		st.Last = &recs[i]
	}
	return st
}

func (l *Ledger) HasSucceeded(ctx context.Context, occurrenceID string) (bool, error) {
	st, err := l.Status(ctx, occurrenceID)
	return st.Succeeded, err
}

func (l *Ledger) IsCancelledByUser(ctx context.Context, occurrenceID string) (bool, error) {
	st, err := l.Status(ctx, occurrenceID)
	return st.CancelledByUser, err
}

// RecentFailures returns failed records from the last 24h, oldest first.
func (l *Ledger) RecentFailures(ctx context.Context, occurrenceID string) ([]AttemptRecord, error) {
	st, err := l.Status(ctx, occurrenceID)
	return st.RecentFailures, err
}

// History returns every record for the occurrence, oldest first.
func (l *Ledger) History(ctx context.Context, occurrenceID string) ([]AttemptRecord, error) {
	if l == nil || l.store == nil {
		return nil, ErrLedgerUnavailable
	}
	return l.store.ListAttempts(ctx, occurrenceID)
}

// Record appends r. It returns false when the record was folded:
//   - a second success/waitlisted for an occurrence that already has one
//   - a "waitlist full" failure repeating the previous record inside the duplicate window
//
// Callers must hold the occurrence lock.
func (l *Ledger) Record(ctx context.Context, r AttemptRecord) (bool, error) {
	if l == nil || l.store == nil {
		return false, ErrLedgerUnavailable
	}
	if strings.TrimSpace(r.OccurrenceID) == "" {
		return false, errors.New("attempt record: occurrence id required")
	}
	r = l.stamp(r)

	switch r.Result {
	case ResultSuccess, ResultWaitlisted:
		st, err := l.Status(ctx, r.OccurrenceID)
		if err != nil {
			return false, err
		}
		if st.Succeeded {
			l.log.Warn("duplicate terminal record suppressed", logx.String("occurrence", r.OccurrenceID), logx.String("result", string(r.Result)))
			return false, nil
		}
	case ResultFailed:
		if r.Reason == ReasonWaitlistFull && l.throttled(ctx, r) {
			l.log.Debug("waitlist-full record throttled", logx.String("occurrence", r.OccurrenceID))
			return false, nil
		}
	}

	if err := l.store.AppendAttempt(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// stamp fills the id and timestamp of r when unset.
func (l *Ledger) stamp(r AttemptRecord) AttemptRecord {
	if r.At.IsZero() {
		r.At = l.clock()
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r
}

func (l *Ledger) throttled(ctx context.Context, r AttemptRecord) bool {
	window := time.Duration(l.dupWindow.Load())
	if window <= 0 {
		return false
	}
	st, err := l.Status(ctx, r.OccurrenceID)
	if err != nil || st.Last == nil {
		return false
	}
	last := st.Last
	return last.Result == ResultFailed && last.Reason == r.Reason && r.At.Sub(last.At) < window
}

// Prune removes failed records older than before. Terminal records are kept
// forever so idempotency never depends on the retention policy.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	if l == nil || l.store == nil {
		return 0, ErrLedgerUnavailable
	}
	n, err := l.store.PruneAttempts(ctx, ResultFailed, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("ledger pruned", logx.Int64("removed", n), logx.Time("before", before))
	}
	return n, nil
}
