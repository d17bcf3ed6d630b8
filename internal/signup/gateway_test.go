package signup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGuard(failures int) GuardConfig {
	return GuardConfig{CallTimeout: time.Second, RatePerSec: 1000, Burst: 100, BreakerFailures: failures, BreakerOpenFor: time.Hour}
}

func TestGuardedGateway_BreakerTripsOnTransientOutcomes(t *testing.T) {
	t.Parallel()
	spy := newSpyGateway()
	spy.register = []Outcome{Failed("reset"), Failed("reset"), Succeeded("")}
	g := NewGuardedGateway(spy, fastGuard(2), logxNop())
	ctx := context.Background()

	assert.Equal(t, "error: reset", g.Register(ctx, "o1", "lv").String())
	assert.Equal(t, "error: reset", g.Register(ctx, "o1", "lv").String())

	out := g.Register(ctx, "o1", "lv")
	assert.True(t, out.IsTransient())
	assert.Contains(t, out.Detail, "circuit open")
	assert.Equal(t, 2, spy.count("register"))
}

func TestGuardedGateway_SemanticOutcomesKeepBreakerClosed(t *testing.T) {
	t.Parallel()
	spy := newSpyGateway()
	for i := 0; i < 5; i++ {
		spy.register = append(spy.register, Outcome{Kind: OutcomeFull})
	}
	g := NewGuardedGateway(spy, fastGuard(2), logxNop())

	for i := 0; i < 5; i++ {
		assert.Equal(t, OutcomeFull, g.Register(context.Background(), "o1", "lv").Kind)
	}
	assert.Equal(t, 5, spy.count("register"))
}

func TestGuardedGateway_FetchErrorsTrip(t *testing.T) {
	t.Parallel()
	spy := newSpyGateway()
	spy.fetchErr = errors.New("502")
	g := NewGuardedGateway(spy, fastGuard(1), logxNop())

	_, err := g.FetchOccurrences(context.Background(), Filter{})
	require.Error(t, err)
	_, err = g.FetchOccurrences(context.Background(), Filter{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit open"), err.Error())
	assert.Equal(t, 1, spy.count("fetch"))
}

func TestGuardedGateway_DisabledBreaker(t *testing.T) {
	t.Parallel()
	spy := newSpyGateway()
	spy.register = []Outcome{Failed("a"), Failed("b"), Failed("c")}
	g := NewGuardedGateway(spy, fastGuard(-1), logxNop())
	for i := 0; i < 3; i++ {
		g.Register(context.Background(), "o1", "lv")
	}
	assert.Equal(t, 3, spy.count("register"))
}

type slowGateway struct{ *spyGateway }

func (s slowGateway) Register(ctx context.Context, _, _ string) Outcome {
	<-ctx.Done()
	return Failed(ctx.Err().Error())
}

func TestGuardedGateway_TimeoutIsFailure(t *testing.T) {
	t.Parallel()
	cfg := fastGuard(5)
	cfg.CallTimeout = 20 * time.Millisecond
	g := NewGuardedGateway(slowGateway{newSpyGateway()}, cfg, logxNop())

	out := g.Register(context.Background(), "o1", "lv")
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, "register: timeout", out.Detail)
}

func TestGuardedGateway_ApplyRebuildsBreakerOnChange(t *testing.T) {
	t.Parallel()
	spy := newSpyGateway()
	spy.register = []Outcome{Failed("x")}
	g := NewGuardedGateway(spy, fastGuard(1), logxNop())
	g.Register(context.Background(), "o1", "lv")
	assert.Contains(t, g.Register(context.Background(), "o1", "lv").Detail, "circuit open")

	cfg := fastGuard(1)
	cfg.RatePerSec = 500
	g.Apply(cfg)
	assert.Contains(t, g.Register(context.Background(), "o1", "lv").Detail, "circuit open", "rate change keeps breaker state")

	g.Apply(fastGuard(3))
	assert.Equal(t, OutcomeSuccess, g.Register(context.Background(), "o1", "lv").Kind)
}
