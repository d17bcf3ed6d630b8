package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"signupbot/internal/config"
	"signupbot/internal/eventbus"
	"signupbot/internal/gateway/httpapi"
	"signupbot/internal/observability/admin"
	"signupbot/internal/runtime/supervisor"
	"signupbot/internal/signup"
	"signupbot/internal/storage"
	"signupbot/internal/task/engine"
	"signupbot/internal/task/scheduler"
	logx "signupbot/pkg/logx"
)

const (
	jobTick  = "signup.tick"
	jobPrune = "ledger.prune"

	pruneTimeout = time.Minute
)

// Base is the part of the process that never talks to the booking platform:
// config, logging and the stores.
type Base struct {
	cfg    *config.Config
	log    logx.Logger
	logs   *logx.Service
	store  storage.Store
	ledger *signup.Ledger
}

// OpenBase loads the config and opens the stores only.
func OpenBase(cfgPath string) (*Base, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	return openBase(cfg)
}

func openBase(cfg *config.Config) (*Base, error) {
	logs, log := logx.New(mapLogConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	ledger := signup.NewLedger(store, log.With(logx.String("comp", "ledger")))
	if d, ok, err := mapDuplicateWindow(cfg); err != nil {
		store.Close()
		logs.Close()
		return nil, err
	} else if ok {
		ledger.SetDuplicateWindow(d)
	}
	return &Base{cfg: cfg, log: log, logs: logs, store: store, ledger: ledger}, nil
}

func (b *Base) Config() *config.Config { return b.cfg }
func (b *Base) Log() logx.Logger       { return b.log }
func (b *Base) Store() storage.Store   { return b.store }
func (b *Base) Ledger() *signup.Ledger { return b.ledger }

func (b *Base) Close() error {
	var err error
	if b.store != nil {
		err = b.store.Close()
	}
	if b.logs != nil {
		b.logs.Close()
	}
	return err
}

type App struct {
	*Base

	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor
	bus     eventbus.Bus

	guard  *signup.GuardedGateway
	cache  *signup.FetchCache
	signup *signup.Engine

	engine *engine.Service
	sched  *scheduler.Service
	admin  *admin.Service

	planMu sync.Mutex
	plan   tickPlan

	lastTick atomic.Pointer[signup.TickReport]
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	base, err := openBase(cfg)
	if err != nil {
		return nil, err
	}
	a, err := build(cfgm, cfg, base)
	if err != nil {
		base.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, base *Base) (*App, error) {
	log := base.log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	loc, err := config.Location(cfg.Venue.Timezone)
	if err != nil {
		return nil, err
	}
	matcher := signup.NewMatcher(loc)

	ccfg, err := mapClientConfig(cfg, os.Getenv)
	if err != nil {
		return nil, err
	}
	client, err := httpapi.New(ccfg, base.log)
	if err != nil {
		return nil, err
	}
	gcfg, err := mapGuardConfig(cfg)
	if err != nil {
		return nil, err
	}
	guard := signup.NewGuardedGateway(client, gcfg, base.log.With(logx.String("comp", "gateway")))

	fcfg, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	cache := signup.NewFetchCache(guard, matcher, fcfg, base.log.With(logx.String("comp", "fetch")))

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := signup.NewEngine(signup.Deps{
		Patterns: base.store,
		Ledger:   base.ledger,
		Cache:    cache,
		Gateway:  guard,
		Matcher:  matcher,
		Log:      base.log,
		Bus:      bus,
	}, ecfg)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, base.log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, base.log.With(logx.String("comp", "scheduler")))

	adminCfg, err := mapAdminConfig(cfg, os.Getenv)
	if err != nil {
		return nil, err
	}

	log.Info("app built",
		logx.String("venue_tz", loc.String()),
		logx.String("venue_id", cfg.Gateway.VenueID),
		logx.Bool("scheduler", cfg.Scheduler.Enabled))

	a := &App{
		Base:    base,
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		bus:     bus,
		guard:   guard,
		cache:   cache,
		signup:  eng,
		engine:  engineSvc,
		sched:   schedSvc,
	}
	a.admin = admin.New(adminCfg, a.status, base.log.With(logx.String("comp", "admin")))
	return a, nil
}

// Config returns the last committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Signup exposes the scheduler loop for manual actions.
func (a *App) Signup() *signup.Engine { return a.signup }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	log := a.log.With(logx.String("comp", "app"))
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	plan, err := mapTickPlan(a.cfg)
	if err != nil {
		return err
	}
	if err := a.registerJobs(plan); err != nil {
		return err
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
		// First tick right away instead of waiting a full interval.
		if err := a.sched.Trigger(jobTick); err != nil {
			log.Warn("initial tick not queued", logx.Err(err))
		}
	} else {
		log.Warn("scheduler disabled; no automatic signups will run")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(log, e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, log, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)
	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	a.notify(daemon.SdNotifyReady)
	log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) logEvent(log logx.Logger, e eventbus.Event) {
	switch {
	case e.Matches(engine.EventTaskFailed, engine.EventTaskDropped):
		if ev, ok := e.Data.(engine.TaskEvent); ok {
			log.Warn("task did not complete", logx.String("type", e.Type), logx.String("task", ev.Name), logx.String("err", ev.Error))
			return
		}
		log.Warn("task did not complete", logx.String("type", e.Type))
	case e.Matches(signup.EventTick):
		r, ok := e.Data.(signup.TickReport)
		if ok {
			a.lastTick.Store(&r)
		}
		if ok && r.Attempted > 0 {
			log.Info("tick summary",
				logx.Int("patterns", r.Patterns),
				logx.Int("eligible", r.Eligible),
				logx.Int("attempted", r.Attempted),
				logx.Int("recorded", r.Recorded),
				logx.Int("errors", r.Errors))
			return
		}
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	default:
		// Keep this debug-level to avoid noise from frequent ticks.
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) tickJob(ctx context.Context) error {
	_, err := a.signup.RunTick(ctx, time.Now())
	return err
}

func (a *App) pruneJob(ctx context.Context) error {
	a.planMu.Lock()
	after := a.plan.PruneAfter
	a.planMu.Unlock()
	if after <= 0 {
		return nil
	}
	_, err := a.ledger.Prune(ctx, time.Now().Add(-after))
	if err != nil && !storage.IsBusy(err) {
		return engine.NoRetry(err)
	}
	return err
}

// registerJobs (re)registers the tick and prune schedules when their plan
// changed. The tick never retries inside its own interval; prune retries
// lock conflicts with the engine's default backoff.
func (a *App) registerJobs(plan tickPlan) error {
	a.planMu.Lock()
	defer a.planMu.Unlock()

	tickOpt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: engine.NoRetries}
	pruneOpt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
	prev := a.plan
	if prev.Tick != plan.Tick || prev.TickTimeout != plan.TickTimeout || !a.sched.Has(jobTick) {
		if err := a.sched.AddScheduleOpt(jobTick, plan.Tick, plan.TickTimeout, tickOpt, a.tickJob); err != nil {
			return fmt.Errorf("register %s: %w", jobTick, err)
		}
	}
	switch {
	case plan.PruneAfter <= 0:
		a.sched.Remove(jobPrune)
	case prev.Prune != plan.Prune || !a.sched.Has(jobPrune):
		if err := a.sched.AddScheduleOpt(jobPrune, plan.Prune, pruneTimeout, pruneOpt, a.pruneJob); err != nil {
			return fmt.Errorf("register %s: %w", jobPrune, err)
		}
	}
	a.plan = plan
	return nil
}

// applyConfig fans a committed config out to every live component. The
// validator already accepted newCfg, so mapping errors here are unexpected and
// only keep the previous setting.
func (a *App) applyConfig(ctx context.Context, log logx.Logger, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	log.Debug("config change summary", fields...)

	for _, s := range sections {
		if config.RestartSections[s] {
			log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(ctx, mapSchedulerConfig(newCfg))
	if plan, err := mapTickPlan(newCfg); err != nil {
		log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else if err := a.registerJobs(plan); err != nil {
		log.Warn("schedule re-registration failed", logx.Err(err))
	}
	if !wasEnabled && a.sched.Enabled() {
		log.Info("scheduler enabled via config")
		_ = a.sched.Trigger(jobTick)
	}

	if gc, err := mapGuardConfig(newCfg); err != nil {
		log.Warn("invalid gateway config; keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(gc)
	}
	if fc, err := mapFetchConfig(newCfg); err != nil {
		log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		if fc.VenueID != oldCfg.Gateway.VenueID {
			a.cache.Invalidate()
		}
		a.cache.Apply(fc)
	}
	if ec, err := mapEngineConfig(newCfg); err != nil {
		log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.signup.Apply(ec)
	}
	if ac, err := mapAdminConfig(newCfg, os.Getenv); err != nil {
		log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}
	if d, ok, err := mapDuplicateWindow(newCfg); err == nil {
		if !ok {
			d = signup.DefaultDuplicateWindow
		}
		a.ledger.SetDuplicateWindow(d)
	}

	log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Base.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, err)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// Finally, wait for supervised goroutines (config watch/reload, event log, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return errors.Join(errs...)
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
		return nil
	}
}
