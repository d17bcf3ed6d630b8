package signup

import (
	"context"
	"fmt"
	"time"

	logx "signupbot/pkg/logx"
)

const ReasonLeftWaitlist = "left waitlist"

// PreviewItem is one upcoming match of a pattern with its computed window.
type PreviewItem struct {
	Occurrence Occurrence
	Window     Window
	State      PairState
}

const week = 7 * 24 * time.Hour

// Preview lists the soonest matching occurrences for p. It reads the cache
// (refreshing only when it cannot answer) and never writes to the ledger.
// The range covers limit weekly starts even past the default lookahead.
func (e *Engine) Preview(ctx context.Context, p TrackedPattern, now time.Time, limit int) ([]PreviewItem, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cache := e.deps.Cache
	r := cache.Window(now, p)
	if to := now.Add(time.Duration(limit)*week + 24*time.Hour); limit > 0 && to.After(r.To) {
		r.To = to
	}
	occs, err := cache.GetOccurrences(ctx, r, false)
	if err != nil {
		return nil, err
	}
	matches := e.deps.Matcher.Match(p, occs)
	SortByStart(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]PreviewItem, 0, len(matches))
	for _, o := range matches {
		st, err := e.deps.Ledger.Status(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		w := ComputeWindow(p, o, now)
		out = append(out, PreviewItem{Occurrence: o, Window: w, State: Classify(w, st.Terminal())})
	}
	return out, nil
}

// CancelRegistration cancels an enrollment upstream. A successful cancel is
// recorded as cancelled, which stops automatic attempts for the occurrence.
func (e *Engine) CancelRegistration(ctx context.Context, occurrenceID, patternID string) (Outcome, error) {
	return e.manual(ctx, occurrenceID, patternID, "cancel", ReasonCancelledByUser, e.deps.Gateway.Cancel)
}

// LeaveWaitlist leaves the waitlist upstream; success is recorded as cancelled.
func (e *Engine) LeaveWaitlist(ctx context.Context, occurrenceID, patternID string) (Outcome, error) {
	return e.manual(ctx, occurrenceID, patternID, "leave waitlist", ReasonLeftWaitlist, e.deps.Gateway.LeaveWaitlist)
}

func (e *Engine) manual(ctx context.Context, occurrenceID, patternID, op, reason string, call func(context.Context, string) Outcome) (Outcome, error) {
	if occurrenceID == "" {
		return Outcome{}, fmt.Errorf("%s: occurrence id required", op)
	}
	unlock := e.locks.Lock(occurrenceID)
	defer unlock()

	out := call(ctx, occurrenceID)
	if out.Kind != OutcomeSuccess {
		e.log.Warn("manual action rejected", logx.String("op", op), logx.String("occurrence", occurrenceID), logx.String("outcome", out.String()))
		return out, nil
	}
	rec := AttemptRecord{OccurrenceID: occurrenceID, PatternID: patternID, Result: ResultCancelled, Reason: reason}
	rec = e.deps.Ledger.stamp(rec)
	if _, err := e.deps.Ledger.Record(ctx, rec); err != nil {
		return out, fmt.Errorf("%s: record: %w", op, err)
	}
	e.publishAttempt(rec)
	e.log.Info("manual action recorded", logx.String("op", op), logx.String("occurrence", occurrenceID))
	return out, nil
}
