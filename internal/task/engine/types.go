package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler only triggers; execution settings belong here.
// The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// NoRetries disables retries for a task when set as TaskOptions.RetryMax.
const NoRetries = -1

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax 0 uses the engine default; NoRetries runs exactly once.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState tracks whether a task is already in-flight.
// SkipIfRunning means "skip if running OR already queued", so a trigger that
// fires faster than execution never piles up in the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Busy reports whether a run is queued or executing.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventTaskStarted  = "task.started"
	EventTaskFinished = "task.finished"
	EventTaskFailed   = "task.failed"
	EventTaskSkipped  = "task.skipped"
	EventTaskDropped  = "task.dropped"
)

// Task is a unit of work executed by the engine.
// SkipIfRunning uses State (if provided) to gate overlap; otherwise a state
// shared by task name is used.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Workers  int
	InFlight int
	QueueLen int
	QueueCap int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}
