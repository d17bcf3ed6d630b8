package signup

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signupbot/internal/eventbus"
	logx "signupbot/pkg/logx"
)

const (
	EventAttempt = "signup.attempt"
	EventTick    = "signup.tick"

	DefaultMaxJitter = 60 * time.Second
)

// EngineConfig is the hot-reloadable part of the engine.
type EngineConfig struct {
	// MaxJitter bounds the per-process delay applied before upstream work.
	// Zero disables jitter.
	MaxJitter   time.Duration
	Parallelism int
}

// Deps are the collaborators of the scheduler loop.
type Deps struct {
	Patterns PatternStore
	Ledger   *Ledger
	Cache    *FetchCache
	Gateway  Gateway
	Matcher  Matcher
	Log      logx.Logger
	Bus      eventbus.Bus
}

// TickReport summarizes one tick. Pair counters are per (pattern, occurrence).
type TickReport struct {
	At            time.Time
	Patterns      int
	Skipped       int
	Refreshed     bool
	RefreshReason string
	Occurrences   int

	TooEarly        int
	Expired         int
	AlreadyTerminal int
	Eligible        int
	Attempted       int
	Recorded        int
	Errors          int
}

// Engine is the scheduler loop. RunTick is its only periodic entry point.
type Engine struct {
	deps  Deps
	log   logx.Logger
	locks *keyedMutex

	mu     sync.RWMutex
	cfg    EngineConfig
	jitter time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	since func(t time.Time) time.Duration
}

func NewEngine(deps Deps, cfg EngineConfig) (*Engine, error) {
	if deps.Patterns == nil {
		return nil, errors.New("signup engine: pattern store required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("signup engine: ledger required")
	}
	if deps.Cache == nil || deps.Gateway == nil {
		return nil, errors.New("signup engine: fetch cache and gateway required")
	}
	if deps.Matcher.Location() == nil {
		deps.Matcher = NewMatcher(time.Local)
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		deps:  deps,
		log:   log.With(logx.String("comp", "signup")),
		locks: newKeyedMutex(),
		sleep: sleepCtx,
		since: time.Since,
	}
	e.Apply(cfg)
	return e, nil
}

// Apply swaps the engine config. The jitter is drawn once and only redrawn
// when the configured maximum changes.
func (e *Engine) Apply(cfg EngineConfig) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	redraw := e.cfg.MaxJitter != cfg.MaxJitter || (e.jitter == 0 && cfg.MaxJitter > 0)
	e.cfg = cfg
	if redraw {
		e.jitter = drawJitter(cfg.MaxJitter)
		e.log.Debug("jitter drawn", logx.Duration("jitter", e.jitter))
	}
}

func drawJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Jitter returns the per-process delay applied before upstream work.
func (e *Engine) Jitter() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jitter
}

func (e *Engine) config() (EngineConfig, time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type tickRun struct {
	e       *Engine
	now     time.Time
	started time.Time
	jitter  time.Duration

	mu      sync.Mutex
	report  TickReport
	claimed map[string]struct{}

	jitterMu sync.Mutex
	jittered bool
}

// waitJitter delays the first upstream call of the tick. Later calls return
// immediately.
func (t *tickRun) waitJitter(ctx context.Context) error {
	t.jitterMu.Lock()
	defer t.jitterMu.Unlock()
	if t.jittered {
		return nil
	}
	if err := t.e.sleep(ctx, t.jitter); err != nil {
		return err
	}
	t.jittered = true
	return nil
}

// at is the evaluated instant advanced by the wall time spent in this tick,
// so checks made after a jitter sleep or an upstream call see a later clock.
func (t *tickRun) at() time.Time {
	return t.now.Add(t.e.since(t.started))
}

func (t *tickRun) add(fn func(r *TickReport)) {
	t.mu.Lock()
	fn(&t.report)
	t.mu.Unlock()
}

// claim returns false when the occurrence was already attempted this tick
// through another pattern.
func (t *tickRun) claim(occurrenceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.claimed[occurrenceID]; ok {
		return false
	}
	t.claimed[occurrenceID] = struct{}{}
	return true
}

// RunTick evaluates every auto-signup pattern once. Per-pattern problems are
// logged and counted; only store failures and context cancellation fail the tick.
func (e *Engine) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	cfg, jitter := e.config()
	t := &tickRun{e: e, now: now, started: time.Now(), jitter: jitter, claimed: map[string]struct{}{}}
	t.report.At = now

	all, err := e.deps.Patterns.ListPatterns(ctx)
	if err != nil {
		return t.report, fmt.Errorf("list patterns: %w", err)
	}
	active := make([]TrackedPattern, 0, len(all))
	for _, p := range all {
		if !p.AutoSignupEnabled {
			continue
		}
		if err := p.Validate(); err != nil {
			t.report.Skipped++
			e.log.Warn("pattern skipped", logx.String("pattern", p.ID), logx.Err(err))
			continue
		}
		active = append(active, p)
	}
	t.report.Patterns = len(active)
	if len(active) == 0 {
		e.publishTick(t.report)
		return t.report, nil
	}

	occs, err := t.occurrences(ctx, active)
	if err != nil {
		return t.report, err
	}

	bookable := make([]Occurrence, 0, len(occs))
	for _, o := range occs {
		if !o.Status.Bookable() {
			e.log.Debug("occurrence not bookable", logx.String("occurrence", o.ID), logx.String("status", string(o.Status)))
			continue
		}
		bookable = append(bookable, o)
	}
	t.report.Occurrences = len(bookable)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)
	for _, p := range active {
		g.Go(func() error {
			return t.evaluatePattern(gctx, p, bookable)
		})
	}
	err = g.Wait()

	report := t.snapshot()
	e.log.Info("tick.done",
		logx.Int("patterns", report.Patterns),
		logx.Int("eligible", report.Eligible),
		logx.Int("attempted", report.Attempted),
		logx.Bool("refreshed", report.Refreshed),
	)
	e.publishTick(report)
	return report, err
}

func (t *tickRun) snapshot() TickReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func (t *tickRun) occurrences(ctx context.Context, active []TrackedPattern) ([]Occurrence, error) {
	e := t.e
	cache := e.deps.Cache
	dec := cache.Decide(active, t.now)
	snap := cache.Snapshot()
	if !dec.Refresh && snap != nil {
		return snap.Occurrences, nil
	}
	if !dec.Refresh {
		dec = RefreshDecision{Refresh: true, Reason: "empty"}
	}
	t.report.RefreshReason = dec.Reason

	if err := t.waitJitter(ctx); err != nil {
		return nil, err
	}
	fresh, err := cache.Refresh(ctx, cache.Window(t.now, active...))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if snap != nil {
			e.log.Warn("fetch failed; using previous snapshot", logx.String("reason", dec.Reason), logx.Time("fetched_at", snap.FetchedAt), logx.Err(err))
			return snap.Occurrences, nil
		}
		return nil, err
	}
	t.report.Refreshed = true
	return fresh.Occurrences, nil
}

func (t *tickRun) evaluatePattern(ctx context.Context, p TrackedPattern, occs []Occurrence) error {
	matches := t.e.deps.Matcher.Match(p, occs)
	SortByStart(matches)
	for _, o := range matches {
		if err := t.evaluate(ctx, p, o); err != nil {
			return err
		}
	}
	return nil
}

func (t *tickRun) evaluate(ctx context.Context, p TrackedPattern, o Occurrence) error {
	e := t.e
	unlock := e.locks.Lock(o.ID)
	defer unlock()

	st, err := e.deps.Ledger.Status(ctx, o.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.add(func(r *TickReport) { r.Errors++ })
		e.log.Error("ledger status failed", logx.String("occurrence", o.ID), logx.Err(err))
		return nil
	}

	w := ComputeWindow(p, o, t.now)
	state := Classify(w, st.Terminal())
	t.add(func(r *TickReport) {
		switch state {
		case StateTooEarly:
			r.TooEarly++
		case StateExpired:
			r.Expired++
		case StateAlreadyTerminal:
			r.AlreadyTerminal++
		case StateEligible:
			r.Eligible++
		}
	})
	if state != StateEligible || !t.claim(o.ID) {
		return nil
	}

	if err := t.waitJitter(ctx); err != nil {
		return err
	}
	rec, ok := e.attempt(ctx, p, o, t.at)
	if !ok {
		return nil
	}
	t.add(func(r *TickReport) { r.Attempted++ })

	rec.At = t.now
	rec = e.deps.Ledger.stamp(rec)
	written, err := e.deps.Ledger.Record(ctx, rec)
	if err != nil {
		t.add(func(r *TickReport) { r.Errors++ })
		e.log.Error("attempt record failed", logx.String("occurrence", o.ID), logx.Err(err))
		return nil
	}
	if written {
		t.add(func(r *TickReport) { r.Recorded++ })
		e.publishAttempt(rec)
	}
	e.log.Info("attempt.recorded",
		logx.String("pattern", p.ID),
		logx.String("occurrence", o.ID),
		logx.String("result", string(rec.Result)),
		logx.String("reason", rec.Reason),
		logx.Bool("written", written),
	)
	return nil
}

// attempt runs the register/waitlist sequence for one eligible occurrence and
// returns the single record describing it. The pair is checked again against
// the re-read occurrence; ok is false when it no longer qualifies, in which
// case nothing was written upstream and nothing should be recorded.
func (e *Engine) attempt(ctx context.Context, p TrackedPattern, o Occurrence, at func() time.Time) (rec AttemptRecord, ok bool) {
	rec = AttemptRecord{OccurrenceID: o.ID, PatternID: p.ID, OccurrenceStart: o.Start}
	fail := func(reason string) (AttemptRecord, bool) {
		rec.Result = ResultFailed
		rec.Reason = reason
		return rec, true
	}

	fresh, err := e.refetch(ctx, o.ID)
	if err != nil {
		return fail(err.Error())
	}
	rec.OccurrenceStart = fresh.Start
	if reason := e.recheck(p, fresh, at()); reason != "" {
		e.log.Info("attempt.skipped",
			logx.String("pattern", p.ID),
			logx.String("occurrence", fresh.ID),
			logx.String("reason", reason),
			logx.Time("start", fresh.Start),
		)
		return rec, false
	}
	switch {
	case fresh.IsEnrolled:
		rec.Result, rec.Reason = ResultSuccess, "already enrolled"
		return rec, true
	case fresh.IsWaitlisted:
		rec.Result, rec.Reason = ResultWaitlisted, "already waitlisted"
		return rec, true
	case !fresh.Status.Bookable():
		return fail("occurrence " + string(fresh.Status))
	}

	out := e.deps.Gateway.Register(ctx, fresh.ID, fresh.LockVersion)
	switch out.Kind {
	case OutcomeSuccess, OutcomeAlreadyEnrolled:
		rec.Result, rec.Reason = ResultSuccess, out.String()
	case OutcomeWaitlisted, OutcomeAlreadyWaitlisted:
		rec.Result, rec.Reason = ResultWaitlisted, out.String()
	case OutcomeFull:
		return e.joinWaitlist(ctx, rec), true
	case OutcomeWaitlistFull:
		return fail(ReasonWaitlistFull)
	case OutcomeWaitlistUnavailable:
		return fail(ReasonWaitlistUnavailable)
	default:
		return fail(out.String())
	}
	return rec, true
}

// recheck classifies the pair again on the re-read occurrence. A class moved
// off the pattern, already started, or moved out of its window is skipped.
func (e *Engine) recheck(p TrackedPattern, fresh Occurrence, now time.Time) string {
	if len(e.deps.Matcher.Match(p, []Occurrence{fresh})) == 0 {
		return "no longer matches"
	}
	w := ComputeWindow(p, fresh, now)
	switch {
	case w.HasPassed:
		return "started"
	case !w.IsOpen:
		return "window not open"
	}
	return ""
}

func (e *Engine) joinWaitlist(ctx context.Context, rec AttemptRecord) AttemptRecord {
	out := e.deps.Gateway.JoinWaitlist(ctx, rec.OccurrenceID)
	switch out.Kind {
	case OutcomeWaitlisted, OutcomeAlreadyWaitlisted:
		rec.Result, rec.Reason = ResultWaitlisted, out.String()
	case OutcomeSuccess, OutcomeAlreadyEnrolled:
		rec.Result, rec.Reason = ResultSuccess, out.String()
	case OutcomeWaitlistFull:
		rec.Result, rec.Reason = ResultFailed, ReasonWaitlistFull
	case OutcomeWaitlistUnavailable:
		rec.Result, rec.Reason = ResultFailed, ReasonWaitlistUnavailable
	default:
		rec.Result, rec.Reason = ResultFailed, "waitlist: "+out.String()
	}
	return rec
}

var ErrOccurrenceNotFound = errors.New("occurrence not found upstream")

// refetch reads the occurrence again so the write uses a current lock version.
func (e *Engine) refetch(ctx context.Context, occurrenceID string) (Occurrence, error) {
	occs, err := e.deps.Gateway.FetchOccurrences(ctx, Filter{OccurrenceIDs: []string{occurrenceID}})
	if err != nil {
		return Occurrence{}, fmt.Errorf("refresh occurrence: %w", err)
	}
	for _, o := range occs {
		if o.ID == occurrenceID {
			return o, nil
		}
	}
	return Occurrence{}, ErrOccurrenceNotFound
}

func (e *Engine) publishAttempt(rec AttemptRecord) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(eventbus.Event{Type: EventAttempt, Data: rec})
}

func (e *Engine) publishTick(r TickReport) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(eventbus.Event{Type: EventTick, Time: r.At, Data: r})
}
