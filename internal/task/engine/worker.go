package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "signupbot/pkg/logx"
)

// slowTask is the duration above which completions log at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		return
	}

	name := qt.task.Name
	s.log.Debug("task.started", logx.String("task", name), logx.Duration("queue_delay", queueDelay))
	s.publish(EventTaskStarted, start, TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runWithRetry(ctx, stopCh, qt)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	fields := []logx.Field{logx.String("task", name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(EventTaskFailed, time.Now(), ev)
	} else {
		if dur >= slowTask {
			s.log.Info("task.completed", fields...)
		} else {
			s.log.Debug("task.completed", fields...)
		}
		s.publish(EventTaskFinished, time.Now(), ev)
	}
	s.appendHistory(item)
}

func (s *Service) runWithRetry(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) (int, error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	var err error
	for attempt := 1; ; attempt++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelay(qt.opt, attempt)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempt, ErrStopping
		case <-tmr.C:
		}
	}
}

// runOnce converts a task panic into an error so one bad task cannot kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay doubles RetryBase per retry, caps at RetryMaxDelay and applies
// +/- RetryJitter.
func backoffDelay(opt TaskOptions, retry int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 {
		r := (rand.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
