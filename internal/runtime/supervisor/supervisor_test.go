package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsPanicAndCancels(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: panic: bad") {
		t.Fatalf("Wait err = %v", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("context should be canceled after error")
	}
	if c := s.Counters(); c.Panics != 1 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoIgnoresCancellation(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "flaky: transient") {
		t.Fatalf("Wait err = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if c := s.Counters(); c.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", c.Restarts)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("dead", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if s.Context().Err() == nil {
		t.Fatal("context should be canceled")
	}
}
