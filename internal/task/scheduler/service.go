package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "signupbot/pkg/logx"
)

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cronParser,
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config: toggling Enabled starts or stops triggering, a
// timezone change re-registers every schedule in the new location.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	running := s.c != nil
	tzChanged := oldTZ != strings.TrimSpace(cfg.Timezone)
	if running && cfg.Enabled && tzChanged {
		s.restartLocked()
	}
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

// Start begins triggering registered schedules. It is a no-op when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering. Definitions are kept and resume on the next Start.
// Jobs already handed to the engine are not affected.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
