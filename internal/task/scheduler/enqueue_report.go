package scheduler

import (
	"errors"
	"time"

	"signupbot/internal/task/engine"
	logx "signupbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A tick that outlives its interval is normal.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if throttled {
		return
	}
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
