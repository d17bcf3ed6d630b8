package signup

import (
	"context"
	"sort"
	"sync"
	"time"

	logx "signupbot/pkg/logx"
)

type memPatterns struct {
	mu   sync.Mutex
	list []TrackedPattern
	err  error
}

func (m *memPatterns) ListPatterns(context.Context) ([]TrackedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]TrackedPattern(nil), m.list...), nil
}

func (m *memPatterns) GetPattern(_ context.Context, id string) (TrackedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.list {
		if p.ID == id {
			return p, nil
		}
	}
	return TrackedPattern{}, ErrPatternNotFound
}

func (m *memPatterns) SavePattern(_ context.Context, p TrackedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.list {
		if m.list[i].ID == p.ID {
			m.list[i] = p
			return nil
		}
	}
	m.list = append(m.list, p)
	return nil
}

func (m *memPatterns) DeletePattern(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.list {
		if m.list[i].ID == id {
			m.list = append(m.list[:i], m.list[i+1:]...)
			return nil
		}
	}
	return ErrPatternNotFound
}

type memLog struct {
	mu   sync.Mutex
	recs []AttemptRecord
}

func (m *memLog) AppendAttempt(_ context.Context, r AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memLog) ListAttempts(_ context.Context, occurrenceID string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for _, r := range m.recs {
		if r.OccurrenceID == occurrenceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memLog) ListAttemptsByPattern(_ context.Context, patternID string, limit int) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].PatternID == patternID {
			out = append(out, m.recs[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLog) PruneAttempts(_ context.Context, result AttemptResult, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	var n int64
	for _, r := range m.recs {
		if r.Result == result && r.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.recs = kept
	return n, nil
}

func (m *memLog) all() []AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AttemptRecord(nil), m.recs...)
}

// spyGateway serves a fixed schedule and scripted write outcomes, counting calls.
type spyGateway struct {
	mu    sync.Mutex
	occs  map[string]Occurrence
	calls map[string]int

	fetchErr   error
	honorRange bool
	register   []Outcome
	waitlist  []Outcome
	cancel    Outcome
	leave     Outcome
	lastToken string
}

func newSpyGateway(occs ...Occurrence) *spyGateway {
	g := &spyGateway{occs: map[string]Occurrence{}, calls: map[string]int{}}
	for _, o := range occs {
		g.occs[o.ID] = o
	}
	return g
}

func (g *spyGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *spyGateway) set(o Occurrence) {
	g.mu.Lock()
	g.occs[o.ID] = o
	g.mu.Unlock()
}

func (g *spyGateway) FetchOccurrences(_ context.Context, f Filter) ([]Occurrence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(f.OccurrenceIDs) > 0 {
		g.calls["fetch_one"]++
	} else {
		g.calls["fetch"]++
	}
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	ids := map[string]bool{}
	for _, id := range f.OccurrenceIDs {
		ids[id] = true
	}
	var out []Occurrence
	for _, o := range g.occs {
		if len(ids) > 0 && !ids[o.ID] {
			continue
		}
		if g.honorRange && !f.From.IsZero() && !(Range{From: f.From, To: f.To}).Contains(o.Start) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func pop(q *[]Outcome, def Outcome) Outcome {
	if len(*q) == 0 {
		return def
	}
	out := (*q)[0]
	*q = (*q)[1:]
	return out
}

func (g *spyGateway) Register(_ context.Context, occurrenceID, lockVersion string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["register"]++
	g.lastToken = lockVersion
	return pop(&g.register, Succeeded("booked"))
}

func (g *spyGateway) JoinWaitlist(_ context.Context, occurrenceID string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["waitlist"]++
	return pop(&g.waitlist, Outcome{Kind: OutcomeWaitlisted})
}

func (g *spyGateway) Cancel(context.Context, string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["cancel"]++
	return g.cancel
}

func (g *spyGateway) LeaveWaitlist(context.Context, string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["leave"]++
	return g.leave
}

func logxNop() logx.Logger { return logx.Nop() }
