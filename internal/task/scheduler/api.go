package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"signupbot/internal/task/engine"
	logx "signupbot/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

// AddSchedule parses schedule and registers a job that skips a trigger while
// a previous run is still queued or executing.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "30 3 * * *", "@hourly", "@every 5m"
//   - Interval duration: "5m", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options. Registering an existing
// name replaces the previous definition.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	return s.add(name, ps.CronSpec(), timeout, opt, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt, state: &engine.RunState{}}
	if old := s.findLocked(name); old != nil {
		// keep the overlap state so a replaced schedule cannot double-run
		d.state = old.state
	}
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	} else if _, ok := intervalOf(spec); !ok {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	s.removeLocked(name)
	s.defs = append(s.defs, d)

	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule named name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(name) != nil
}

// Trigger enqueues the job of a registered schedule now, outside its
// schedule. Overlap gating still applies.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d := s.findLocked(name)
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.enqueue(d)
}

func (s *Service) findLocked(name string) *scheduleDef {
	for _, d := range s.defs {
		if d.name == name {
			return d
		}
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() {
		if err := s.enqueue(d); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	})

	// Interval schedules get a startup spread so processes started together
	// do not fire in lockstep.
	if every, ok := intervalOf(d.spec); ok {
		sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func intervalOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every")
	if !ok {
		return 0, false
	}
	every, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || every <= 0 {
		return 0, false
	}
	return every, true
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(out, ", ")
}
