package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"signupbot/internal/task/engine"
	logx "signupbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/New_York"; empty is Local
}

// Enqueuer accepts triggered tasks. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Busy          bool
	Next          time.Time
	Prev          time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
