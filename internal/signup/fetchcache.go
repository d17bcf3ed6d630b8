package signup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "signupbot/pkg/logx"
)

const (
	DefaultCacheTTL       = 10 * time.Minute
	DefaultImminentWindow = 15 * time.Minute
	DefaultLookahead      = 8 * 24 * time.Hour
)

// FetchConfig controls FetchCache.
type FetchConfig struct {
	VenueID        string
	TTL            time.Duration
	ImminentWindow time.Duration
	Lookahead      time.Duration
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.ImminentWindow <= 0 {
		c.ImminentWindow = DefaultImminentWindow
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	return c
}

// Snapshot is an immutable view of one upstream listing. Never mutate it after
// it has been published.
type Snapshot struct {
	Occurrences []Occurrence
	Range       Range
	FetchedAt   time.Time
}

// RefreshDecision explains why (or why not) a fetch is warranted.
type RefreshDecision struct {
	Refresh bool
	Reason  string
}

// FetchCache throttles schedule listings. Readers load the current snapshot
// without locking; Refresh swaps in a complete new one.
type FetchCache struct {
	gw      Gateway
	log     logx.Logger
	matcher Matcher

	cfgMu sync.RWMutex
	cfg   FetchConfig

	snap  atomic.Pointer[Snapshot]
	fetch sync.Mutex // single writer

	clock func() time.Time
}

func NewFetchCache(gw Gateway, matcher Matcher, cfg FetchConfig, log logx.Logger) *FetchCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FetchCache{gw: gw, log: log, matcher: matcher, cfg: cfg.withDefaults(), clock: time.Now}
}

func (c *FetchCache) Apply(cfg FetchConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg.withDefaults()
	c.cfgMu.Unlock()
}

func (c *FetchCache) config() FetchConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Snapshot returns the current snapshot or nil.
func (c *FetchCache) Snapshot() *Snapshot { return c.snap.Load() }

// Invalidate drops the snapshot so the next decision refreshes.
func (c *FetchCache) Invalidate() { c.snap.Store(nil) }

// Window returns the listing range used at now. It spans at least Lookahead
// and far enough ahead that every pattern's signup window can be seen open.
func (c *FetchCache) Window(now time.Time, patterns ...TrackedPattern) Range {
	cfg := c.config()
	span := cfg.Lookahead
	for _, p := range patterns {
		span = max(span, time.Duration(p.SignupLeadHours)*time.Hour+cfg.ImminentWindow)
	}
	return Range{From: now, To: now.Add(span)}
}

// Decide is the single "is this worth fetching" decision. It never calls
// upstream. Reasons: empty, stale, range (a pattern's lead reaches past the
// snapshot), imminent:<pattern id>, or fresh when no refresh is needed.
func (c *FetchCache) Decide(patterns []TrackedPattern, now time.Time) RefreshDecision {
	cfg := c.config()
	snap := c.snap.Load()
	if snap == nil {
		return RefreshDecision{Refresh: true, Reason: "empty"}
	}
	if now.Sub(snap.FetchedAt) >= cfg.TTL {
		return RefreshDecision{Refresh: true, Reason: "stale"}
	}
	if need := c.Window(now, patterns...); snap.Range.To.Add(cfg.TTL).Before(need.To) {
		return RefreshDecision{Refresh: true, Reason: "range"}
	}
	for _, p := range patterns {
		if c.imminent(p, snap, now, cfg) {
			return RefreshDecision{Refresh: true, Reason: "imminent:" + p.ID}
		}
	}
	return RefreshDecision{Reason: "fresh"}
}

func (c *FetchCache) imminent(p TrackedPattern, snap *Snapshot, now time.Time, cfg FetchConfig) bool {
	near := func(opensAt time.Time) bool {
		d := now.Sub(opensAt)
		if d < 0 {
			d = -d
		}
		return d <= cfg.ImminentWindow
	}
	// Prefer exact windows from what we already know about matching occurrences.
	known := c.matcher.Match(p, snap.Occurrences)
	for _, o := range known {
		if near(ComputeWindow(p, o, now).OpensAt) {
			return true
		}
	}
	if len(known) > 0 {
		return false
	}
	lead := time.Duration(p.SignupLeadHours) * time.Hour
	for _, start := range NextStarts(p, now, lead+cfg.ImminentWindow, c.matcher.Location()) {
		if near(start.Add(-lead)) {
			return true
		}
	}
	return false
}

// GetOccurrences serves r from the snapshot unless force is set or the snapshot
// cannot answer (missing, stale, or not covering r). A failed refresh keeps the
// previous snapshot in place.
func (c *FetchCache) GetOccurrences(ctx context.Context, r Range, force bool) ([]Occurrence, error) {
	cfg := c.config()
	if !force {
		if snap := c.snap.Load(); snap != nil && c.covers(snap, r, cfg) {
			return inRange(snap.Occurrences, r), nil
		}
	}
	snap, err := c.Refresh(ctx, r)
	if err != nil {
		return nil, err
	}
	return inRange(snap.Occurrences, r), nil
}

func (c *FetchCache) covers(s *Snapshot, r Range, cfg FetchConfig) bool {
	now := c.clock()
	if now.Sub(s.FetchedAt) >= cfg.TTL {
		return false
	}
	// Tolerate the range sliding forward by up to one TTL between ticks.
	return !s.Range.From.After(r.From) && !s.Range.To.Add(cfg.TTL).Before(r.To)
}

// Refresh fetches r from upstream and publishes it as the new snapshot.
func (c *FetchCache) Refresh(ctx context.Context, r Range) (*Snapshot, error) {
	if c.gw == nil {
		return nil, errors.New("fetch cache: no gateway")
	}
	c.fetch.Lock()
	defer c.fetch.Unlock()

	cfg := c.config()
	start := time.Now()
	occs, err := c.gw.FetchOccurrences(ctx, Filter{VenueID: cfg.VenueID, From: r.From, To: r.To})
	if err != nil {
		return nil, fmt.Errorf("fetch occurrences: %w", err)
	}
	snap := &Snapshot{Occurrences: occs, Range: r, FetchedAt: c.clock()}
	c.snap.Store(snap)
	c.log.Debug("fetch.refreshed", logx.Int("occurrences", len(occs)), logx.Duration("took", time.Since(start)))
	return snap, nil
}

func inRange(occs []Occurrence, r Range) []Occurrence {
	out := make([]Occurrence, 0, len(occs))
	for _, o := range occs {
		if r.Contains(o.Start) {
			out = append(out, o)
		}
	}
	return out
}
