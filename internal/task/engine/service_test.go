package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"signupbot/internal/eventbus"
	logx "signupbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.Snapshot().History; len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history items", n)
	return nil
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" || h[0].Attempts != 3 {
		t.Fatalf("history = %+v", h[0])
	}
}

func TestNoRetriesRunsOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opt  TaskOptions
		err  error
	}{
		{name: "NoRetries option", opt: TaskOptions{RetryMax: NoRetries}, err: errors.New("boom")},
		{name: "NoRetry error", opt: TaskOptions{RetryMax: 5}, err: NoRetry(errors.New("boom"))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := startEngine(t, Config{Workers: 1, RetryMax: 3})
			var calls atomic.Int32
			_ = s.Enqueue(Task{Name: "once", Opt: tt.opt, Run: func(context.Context) error {
				calls.Add(1)
				return tt.err
			}})
			h := waitHistory(t, s, 1)
			if calls.Load() != 1 || h[0].Error != "boom" {
				t.Fatalf("calls = %d history = %+v", calls.Load(), h[0])
			}
		})
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	release := make(chan struct{})
	st := &RunState{}
	task := Task{Name: "tick", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	if !st.Busy() {
		t.Fatal("state should be busy while running")
	}
	close(release)
	waitHistory(t, s, 1)
	if err := s.Enqueue(Task{Name: "tick", State: st, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}

	sawSkip := false
	for !sawSkip {
		select {
		case ev := <-events:
			sawSkip = ev.Type == EventTaskSkipped
		case <-time.After(time.Second):
			t.Fatal("no task.skipped event")
		}
	}
}

func TestTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "slow", Timeout: 10 * time.Millisecond, Opt: TaskOptions{RetryMax: NoRetries}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: NoRetries}, Run: func(context.Context) error {
		panic("kaboom")
	}})
	h := waitHistory(t, s, 2)
	if h[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("timeout history = %+v", h[0])
	}
	if h[1].Error != "panic: kaboom" {
		t.Fatalf("panic history = %+v", h[1])
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("queued Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	for retry := 1; retry <= 8; retry++ {
		d := backoffDelay(opt, retry)
		if d < 0 || d > time.Second {
			t.Fatalf("retry %d: delay %v out of bounds", retry, d)
		}
	}
	if d := backoffDelay(TaskOptions{RetryBase: time.Second, RetryMaxDelay: time.Second}, 1); d != time.Second {
		t.Fatalf("no-jitter delay = %v", d)
	}
}

func TestApplyTogglesEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Apply(ctx, Config{Enabled: false, Workers: 1})
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s.Apply(ctx, Config{Enabled: true, Workers: 1})
	defer s.Stop(ctx)
	if !s.Snapshot().Running {
		t.Fatal("engine should be running after re-enable")
	}
}
