package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signupbot/internal/eventbus"
	rtsup "signupbot/internal/runtime/supervisor"
	logx "signupbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) running() bool {
	return s.stopCh != nil && s.stopDone == nil
}

// Apply swaps the config. Worker count or queue size changes restart the
// workers; toggling Enabled starts or stops them.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running()
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.publish(EventTaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}
	release := func() {
		if track {
			st.release()
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			release()
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.running()
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		QueueLen:         ql,
		QueueCap:         qc,
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish(EventTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	n := atomic.AddUint64(&s.droppedStale, 1)
	s.publish(EventTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	s.appendHistory(HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	}
}
