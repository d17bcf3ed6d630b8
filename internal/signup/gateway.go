package signup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	logx "signupbot/pkg/logx"
)

// Filter narrows an upstream schedule listing. Empty fields do not filter.
type Filter struct {
	VenueID       string
	From          time.Time
	To            time.Time
	ActivityIDs   []string
	OccurrenceIDs []string
}

// Gateway is the booking platform. Writes return an Outcome instead of an error;
// transport and authentication failures come back as OutcomeError.
type Gateway interface {
	FetchOccurrences(ctx context.Context, f Filter) ([]Occurrence, error)
	Register(ctx context.Context, occurrenceID, lockVersion string) Outcome
	JoinWaitlist(ctx context.Context, occurrenceID string) Outcome
	Cancel(ctx context.Context, occurrenceID string) Outcome
	LeaveWaitlist(ctx context.Context, occurrenceID string) Outcome
}

// GuardConfig bounds how hard the engine leans on the upstream platform.
type GuardConfig struct {
	CallTimeout time.Duration
	RatePerSec  float64
	Burst       int

	// Breaker trips after this many consecutive transient failures.
	// < 0 disables the breaker; 0 applies the default.
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 2 * time.Minute
	}
	return c
}

var errTransientOutcome = errors.New("transient gateway outcome")

// GuardedGateway decorates a Gateway with a per-call timeout, a token bucket
// and a circuit breaker. Semantic answers (full, waitlist full, ...) count as
// breaker successes; only OutcomeError and fetch errors count as failures.
type GuardedGateway struct {
	next Gateway
	log  logx.Logger

	mu      sync.RWMutex
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[any]
}

func NewGuardedGateway(next Gateway, cfg GuardConfig, log logx.Logger) *GuardedGateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &GuardedGateway{next: next, log: log}
	g.Apply(cfg)
	return g
}

// Apply swaps limits at runtime. The breaker is rebuilt only when its settings change.
func (g *GuardedGateway) Apply(cfg GuardConfig) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.cfg
	g.cfg = cfg
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		g.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		g.limiter.SetBurst(cfg.Burst)
	}
	if g.breaker != nil && prev.BreakerFailures == cfg.BreakerFailures && prev.BreakerOpenFor == cfg.BreakerOpenFor {
		return
	}
	g.breaker = nil
	if cfg.BreakerFailures < 0 {
		return
	}
	threshold := uint32(cfg.BreakerFailures)
	g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "booking-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("circuit breaker state changed", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

func (g *GuardedGateway) snapshot() (GuardConfig, *rate.Limiter, *gobreaker.CircuitBreaker[any]) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, g.limiter, g.breaker
}

// run executes fn under timeout, limiter and breaker. fn's context is the bounded one.
func (g *GuardedGateway) run(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	cfg, lim, br := g.snapshot()
	cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	if err := lim.Wait(cctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	call := func() (any, error) { return fn(cctx) }
	if br == nil {
		return call()
	}
	v, err := br.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: upstream circuit open: %w", op, err)
	}
	return v, err
}

func (g *GuardedGateway) FetchOccurrences(ctx context.Context, f Filter) ([]Occurrence, error) {
	v, err := g.run(ctx, "fetch", func(c context.Context) (any, error) {
		return g.next.FetchOccurrences(c, f)
	})
	if err != nil {
		return nil, err
	}
	occs, _ := v.([]Occurrence)
	return occs, nil
}

func (g *GuardedGateway) write(ctx context.Context, op string, fn func(ctx context.Context) Outcome) Outcome {
	v, err := g.run(ctx, op, func(c context.Context) (any, error) {
		out := fn(c)
		if out.IsTransient() && errors.Is(c.Err(), context.DeadlineExceeded) {
			out = Failed(op + ": timeout")
		}
		if out.IsTransient() {
			return out, fmt.Errorf("%w: %s", errTransientOutcome, out.Detail)
		}
		return out, nil
	})
	if out, ok := v.(Outcome); ok {
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed(op + ": timeout")
	}
	if err != nil {
		return Failed(err.Error())
	}
	return Failed(op + ": empty outcome")
}

func (g *GuardedGateway) Register(ctx context.Context, occurrenceID, lockVersion string) Outcome {
	return g.write(ctx, "register", func(c context.Context) Outcome {
		return g.next.Register(c, occurrenceID, lockVersion)
	})
}

func (g *GuardedGateway) JoinWaitlist(ctx context.Context, occurrenceID string) Outcome {
	return g.write(ctx, "join_waitlist", func(c context.Context) Outcome {
		return g.next.JoinWaitlist(c, occurrenceID)
	})
}

func (g *GuardedGateway) Cancel(ctx context.Context, occurrenceID string) Outcome {
	return g.write(ctx, "cancel", func(c context.Context) Outcome {
		return g.next.Cancel(c, occurrenceID)
	})
}

func (g *GuardedGateway) LeaveWaitlist(ctx context.Context, occurrenceID string) Outcome {
	return g.write(ctx, "leave_waitlist", func(c context.Context) Outcome {
		return g.next.LeaveWaitlist(c, occurrenceID)
	})
}
