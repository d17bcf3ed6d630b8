package signup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupbot/internal/eventbus"
)

type harness struct {
	t        *testing.T
	eng      *Engine
	gw       *spyGateway
	store    *memLog
	patterns *memPatterns
	cache    *FetchCache
	bus      eventbus.Bus

	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func mondayClass(t *testing.T) Occurrence {
	t.Helper()
	return Occurrence{
		ID:               "o1",
		ActivityID:       "A",
		LocationID:       "studio-1",
		Start:            time.Date(2026, 3, 2, 18, 0, 0, 0, newYork(t)),
		Capacity:         20,
		Attended:         20,
		BookingLeadHours: 48,
		LockVersion:      "lv-1",
		Status:           StatusScheduled,
	}
}

func newHarness(t *testing.T, cfg EngineConfig, occs ...Occurrence) *harness {
	t.Helper()
	h := &harness{t: t, gw: newSpyGateway(occs...), store: &memLog{}, bus: eventbus.New()}
	h.patterns = &memPatterns{list: []TrackedPattern{mondayPattern(t)}}
	m := NewMatcher(newYork(t))
	h.cache = NewFetchCache(h.gw, m, FetchConfig{VenueID: "v1"}, logxNop())
	h.cache.clock = h.clock
	eng, err := NewEngine(Deps{
		Patterns: h.patterns,
		Ledger:   NewLedger(h.store, logxNop()),
		Cache:    h.cache,
		Gateway:  h.gw,
		Matcher:  m,
		Bus:      h.bus,
	}, cfg)
	require.NoError(t, err)
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	// Ticks take no time unless a test says otherwise.
	eng.since = func(time.Time) time.Duration { return 0 }
	h.eng = eng
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setNow(at time.Time) {
	h.mu.Lock()
	h.now = at
	h.mu.Unlock()
}

func (h *harness) tick(at time.Time) TickReport {
	h.t.Helper()
	h.setNow(at)
	r, err := h.eng.RunTick(context.Background(), at)
	require.NoError(h.t, err)
	return r
}

func (h *harness) results() []AttemptResult {
	var out []AttemptResult
	for _, r := range h.store.all() {
		out = append(out, r.Result)
	}
	return out
}

// windowOpen is one hour after the 46h user lead opened for mondayClass.
func windowOpen(t *testing.T) time.Time {
	return mondayClass(t).Start.Add(-45 * time.Hour)
}

func TestEngine_SuccessStopsFurtherAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	at := windowOpen(t)

	r := h.tick(at)
	assert.Equal(t, 1, r.Eligible)
	assert.Equal(t, 1, r.Attempted)
	assert.Equal(t, 1, h.gw.count("register"))

	for i := 1; i <= 3; i++ {
		r = h.tick(at.Add(time.Duration(i) * 5 * time.Minute))
		assert.Equal(t, 1, r.AlreadyTerminal)
	}
	assert.Equal(t, 1, h.gw.count("register"))
	assert.Equal(t, []AttemptResult{ResultSuccess}, h.results())
	assert.True(t, h.store.all()[0].At.Equal(at), "record carries the evaluated instant")
}

func TestEngine_ExistingSuccessMeansNoCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	require.NoError(t, h.store.AppendAttempt(context.Background(), AttemptRecord{ID: "x", OccurrenceID: "o1", Result: ResultSuccess, At: time.Now()}))

	h.tick(windowOpen(t))
	assert.Equal(t, 0, h.gw.count("register"))
	assert.Equal(t, 0, h.gw.count("fetch_one"))
}

func TestEngine_FullFallsBackToWaitlist(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	h.gw.register = []Outcome{{Kind: OutcomeFull}}

	h.tick(windowOpen(t))
	assert.Equal(t, 1, h.gw.count("register"))
	assert.Equal(t, 1, h.gw.count("waitlist"))
	assert.Equal(t, []AttemptResult{ResultWaitlisted}, h.results())

	h.tick(windowOpen(t).Add(5 * time.Minute))
	assert.Equal(t, 1, h.gw.count("register"))
}

func TestEngine_WaitlistOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		waitlist Outcome
		result   AttemptResult
		reason   string
	}{
		{"waitlist full", Outcome{Kind: OutcomeWaitlistFull}, ResultFailed, ReasonWaitlistFull},
		{"waitlist unavailable", Outcome{Kind: OutcomeWaitlistUnavailable}, ResultFailed, ReasonWaitlistUnavailable},
		{"already waitlisted", Outcome{Kind: OutcomeAlreadyWaitlisted}, ResultWaitlisted, "already_waitlisted"},
		{"spot freed", Outcome{Kind: OutcomeAlreadyEnrolled}, ResultSuccess, "already_enrolled"},
		{"error", Failed("boom"), ResultFailed, "waitlist: error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, EngineConfig{}, mondayClass(t))
			h.gw.register = []Outcome{{Kind: OutcomeFull}}
			h.gw.waitlist = []Outcome{tt.waitlist}

			h.tick(windowOpen(t))
			recs := h.store.all()
			require.Len(t, recs, 1)
			assert.Equal(t, tt.result, recs[0].Result)
			assert.Equal(t, tt.reason, recs[0].Reason)
		})
	}
}

func TestEngine_FailureThenSuccessAcrossTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	h.gw.register = []Outcome{Failed("connection reset"), Succeeded("booked")}

	h.tick(windowOpen(t))
	h.tick(windowOpen(t).Add(5 * time.Minute))
	h.tick(windowOpen(t).Add(10 * time.Minute))

	assert.Equal(t, 2, h.gw.count("register"))
	assert.Equal(t, []AttemptResult{ResultFailed, ResultSuccess}, h.results())
}

func TestEngine_PassedClassIsNeverAttempted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))

	r := h.tick(mondayClass(t).Start.Add(time.Minute))
	assert.Equal(t, 1, r.Expired)
	assert.Equal(t, 0, h.gw.count("register"))
	assert.Empty(t, h.store.all())

	// Even with a failure on record.
	require.NoError(t, h.store.AppendAttempt(context.Background(), AttemptRecord{ID: "f", OccurrenceID: "o1", Result: ResultFailed, At: time.Now()}))
	h.tick(mondayClass(t).Start)
	assert.Equal(t, 0, h.gw.count("register"))
}

func TestEngine_TooEarly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	r := h.tick(mondayClass(t).Start.Add(-47 * time.Hour))
	assert.Equal(t, 1, r.TooEarly)
	assert.Equal(t, 0, h.gw.count("register"))
}

func TestEngine_InvalidPatternDoesNotAbortTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	bad := TrackedPattern{ID: "bad", AutoSignupEnabled: true, Time: 9999}
	disabled := mondayPattern(t)
	disabled.ID, disabled.AutoSignupEnabled = "off", false
	h.patterns.list = append([]TrackedPattern{bad, disabled}, h.patterns.list...)

	r := h.tick(windowOpen(t))
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Patterns)
	assert.Equal(t, 1, h.gw.count("register"))
}

func TestEngine_FreshStateAvoidsRegister(t *testing.T) {
	t.Parallel()
	occ := mondayClass(t)
	h := newHarness(t, EngineConfig{}, occ)
	h.setNow(windowOpen(t))
	_, err := h.cache.Refresh(context.Background(), h.cache.Window(windowOpen(t)))
	require.NoError(t, err)

	occ.IsWaitlisted = true
	h.gw.set(occ)
	h.tick(windowOpen(t))

	assert.Equal(t, 0, h.gw.count("register"))
	assert.Equal(t, []AttemptResult{ResultWaitlisted}, h.results())
}

func TestEngine_UsesFreshLockVersion(t *testing.T) {
	t.Parallel()
	occ := mondayClass(t)
	h := newHarness(t, EngineConfig{}, occ)
	h.setNow(windowOpen(t))
	_, err := h.cache.Refresh(context.Background(), h.cache.Window(windowOpen(t)))
	require.NoError(t, err)

	occ.LockVersion = "lv-2"
	h.gw.set(occ)
	h.tick(windowOpen(t))
	assert.Equal(t, "lv-2", h.gw.lastToken)
}

// primeSnapshot lists the schedule at `at` so later changes are only visible
// through the per-occurrence read before the write.
func (h *harness) primeSnapshot(at time.Time) {
	h.t.Helper()
	h.setNow(at)
	_, err := h.cache.Refresh(context.Background(), h.cache.Window(at))
	require.NoError(h.t, err)
}

func TestEngine_RecheckSkipsMovedOccurrence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		start func(orig, at time.Time) time.Time
	}{
		{"moved into the past", func(_, at time.Time) time.Time { return at.Add(-30 * time.Minute) }},
		{"moved an hour later", func(orig, _ time.Time) time.Time { return orig.Add(time.Hour) }},
		{"moved a week out", func(orig, _ time.Time) time.Time { return orig.AddDate(0, 0, 7) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occ := mondayClass(t)
			h := newHarness(t, EngineConfig{}, occ)
			at := windowOpen(t)
			h.primeSnapshot(at)

			moved := occ
			moved.Status = StatusRescheduled
			moved.Start = tt.start(occ.Start, at)
			h.gw.set(moved)

			r := h.tick(at)
			assert.Equal(t, 1, r.Eligible)
			assert.Equal(t, 0, r.Attempted)
			assert.Equal(t, 1, h.gw.count("fetch_one"))
			assert.Equal(t, 0, h.gw.count("register"))
			assert.Empty(t, h.store.all())
		})
	}
}

func TestEngine_ClassStartingDuringJitterIsNotAttempted(t *testing.T) {
	t.Parallel()
	occ := mondayClass(t)
	h := newHarness(t, EngineConfig{MaxJitter: time.Minute}, occ)
	h.eng.since = func(time.Time) time.Duration { return time.Minute }

	r := h.tick(occ.Start.Add(-10 * time.Second))
	assert.Equal(t, 1, r.Eligible)
	assert.Equal(t, 0, r.Attempted)
	assert.Equal(t, 0, h.gw.count("register"))
	assert.Empty(t, h.store.all())
}

func TestEngine_LeadBeyondLookahead(t *testing.T) {
	t.Parallel()
	occ := mondayClass(t)
	occ.BookingLeadHours = 0
	h := newHarness(t, EngineConfig{}, occ)
	h.gw.honorRange = true
	h.patterns.list[0].SignupLeadHours = 200

	at := occ.Start.Add(-199 * time.Hour)
	require.Greater(t, occ.Start.Sub(at), DefaultLookahead)
	r := h.tick(at)
	assert.Equal(t, 1, r.Occurrences)
	assert.Equal(t, 1, r.Eligible)
	assert.Equal(t, 1, h.gw.count("register"))
	assert.Equal(t, []AttemptResult{ResultSuccess}, h.results())
}

func TestEngine_SkipsNonBookableOccurrences(t *testing.T) {
	t.Parallel()
	occ := mondayClass(t)
	occ.Status = StatusCancelled
	h := newHarness(t, EngineConfig{}, occ)

	r := h.tick(windowOpen(t))
	assert.Equal(t, 0, r.Occurrences)
	assert.Equal(t, 0, h.gw.count("register"))
	assert.Empty(t, h.store.all())
}

func TestEngine_OneAttemptPerOccurrenceAcrossPatterns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{Parallelism: 4}, mondayClass(t))
	h.gw.register = []Outcome{Failed("busy"), Failed("busy")}
	for _, id := range []string{"p2", "p3", "p4"} {
		p := mondayPattern(t)
		p.ID = id
		h.patterns.list = append(h.patterns.list, p)
	}

	r := h.tick(windowOpen(t))
	assert.Equal(t, 4, r.Eligible)
	assert.Equal(t, 1, r.Attempted)
	assert.Equal(t, 1, h.gw.count("register"))
	assert.Len(t, h.store.all(), 1)
}

func TestEngine_JitterOncePerTickBeforeUpstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{MaxJitter: time.Minute}, mondayClass(t))
	j := h.eng.Jitter()
	assert.GreaterOrEqual(t, j, time.Duration(0))
	assert.LessOrEqual(t, j, time.Minute)

	h.tick(windowOpen(t))
	assert.Equal(t, []time.Duration{j}, h.sleeps)

	// Fresh cache and terminal ledger: no upstream work, no delay.
	h.tick(windowOpen(t).Add(time.Minute))
	assert.Len(t, h.sleeps, 1)
	assert.Equal(t, j, h.eng.Jitter(), "jitter is drawn once")
}

func TestEngine_FetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	h.gw.fetchErr = errors.New("503")

	_, err := h.eng.RunTick(context.Background(), windowOpen(t))
	require.Error(t, err)
	assert.Empty(t, h.store.all())
}

func TestEngine_StaleSnapshotOnFetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	h.tick(mondayClass(t).Start.Add(-47 * time.Hour))
	require.NotNil(t, h.cache.Snapshot())

	// The listing fails but the per-occurrence read succeeds.
	h.cache.Apply(FetchConfig{VenueID: "v1", TTL: time.Minute})
	failing := &failingListGateway{spyGateway: h.gw}
	h.cache.gw = failing

	r := h.tick(windowOpen(t))
	assert.False(t, r.Refreshed)
	assert.Equal(t, "stale", r.RefreshReason)
	assert.Equal(t, 1, h.gw.count("register"))
}

type failingListGateway struct{ *spyGateway }

func (f *failingListGateway) FetchOccurrences(ctx context.Context, flt Filter) ([]Occurrence, error) {
	if len(flt.OccurrenceIDs) == 0 {
		return nil, errors.New("listing unavailable")
	}
	return f.spyGateway.FetchOccurrences(ctx, flt)
}

func TestEngine_PublishesAttemptEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()

	h.tick(windowOpen(t))

	var attempts []AttemptRecord
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == EventAttempt {
			attempts = append(attempts, ev.Data.(AttemptRecord))
		}
	}
	require.Len(t, attempts, 1)
	assert.Equal(t, ResultSuccess, attempts[0].Result)
	assert.NotEmpty(t, attempts[0].ID)
}

func TestEngine_CancelSuppressesAutomaticAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	ctx := context.Background()

	h.gw.cancel = Outcome{Kind: OutcomeError, Detail: "authentication failed"}
	out, err := h.eng.CancelRegistration(ctx, "o1", "p1")
	require.NoError(t, err)
	assert.True(t, out.IsTransient())
	assert.Empty(t, h.store.all())

	h.gw.cancel = Succeeded("cancelled")
	_, err = h.eng.CancelRegistration(ctx, "o1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []AttemptResult{ResultCancelled}, h.results())

	r := h.tick(windowOpen(t))
	assert.Equal(t, 1, r.AlreadyTerminal)
	assert.Equal(t, 0, h.gw.count("register"))
}

func TestEngine_LeaveWaitlist(t *testing.T) {
	t.Parallel()
	h := newHarness(t, EngineConfig{}, mondayClass(t))
	h.gw.leave = Succeeded("")
	_, err := h.eng.LeaveWaitlist(context.Background(), "o1", "")
	require.NoError(t, err)
	recs := h.store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonLeftWaitlist, recs[0].Reason)

	_, err = h.eng.LeaveWaitlist(context.Background(), "", "")
	assert.Error(t, err)
}

func TestEngine_Preview(t *testing.T) {
	t.Parallel()
	later := mondayClass(t)
	later.ID = "o2"
	later.Start = later.Start.AddDate(0, 0, 7)
	other := mondayClass(t)
	other.ID, other.ActivityID = "o3", "B"
	h := newHarness(t, EngineConfig{}, later, mondayClass(t), other)

	at := windowOpen(t)
	h.setNow(at)
	items, err := h.eng.Preview(context.Background(), mondayPattern(t), at, 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "o1", items[0].Occurrence.ID)
	assert.Equal(t, StateEligible, items[0].State)
	assert.Equal(t, 46, items[0].Window.EffectiveLeadHours)
	assert.Equal(t, "o2", items[1].Occurrence.ID)
	assert.Equal(t, StateTooEarly, items[1].State)
	assert.Equal(t, 0, h.gw.count("register"))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			counter++
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size())
}
