package app

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"signupbot/internal/config"
	"signupbot/internal/gateway/httpapi"
	"signupbot/internal/observability/admin"
	"signupbot/internal/signup"
	"signupbot/internal/storage"
	"signupbot/internal/task/engine"
	"signupbot/internal/task/scheduler"
	logx "signupbot/pkg/logx"
)

const (
	defaultTick        = "5m"
	defaultTickTimeout = 4 * time.Minute
	defaultPrune       = "30 3 * * *"
	defaultPruneAfter  = 30 * 24 * time.Hour
	defaultStoragePath = "./signupbot.db"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig resolves the store. Unlike optional stores elsewhere, the
// ledger cannot run without one, so an omitted section means sqlite.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			path = strings.TrimSuffix(defaultStoragePath, ".db")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver: the attempt ledger requires a store")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Workers:   2,
		QueueSize: 64,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	// Safety: avoid a config where triggers fire into a disabled engine.
	if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// tickPlan is the resolved set of scheduled jobs.
type tickPlan struct {
	Tick        string
	TickTimeout time.Duration
	Prune       string
	PruneAfter  time.Duration // 0 disables pruning
}

func mapTickPlan(cfg *config.Config) (tickPlan, error) {
	p := tickPlan{
		Tick:  strings.TrimSpace(cfg.Scheduler.Tick),
		Prune: strings.TrimSpace(cfg.Scheduler.Prune),
	}
	if p.Tick == "" {
		p.Tick = defaultTick
	}
	if p.Prune == "" {
		p.Prune = defaultPrune
	}
	if err := scheduler.ValidateSchedule(p.Tick); err != nil {
		return tickPlan{}, fmt.Errorf("scheduler.tick: %w", err)
	}
	if err := scheduler.ValidateSchedule(p.Prune); err != nil {
		return tickPlan{}, fmt.Errorf("scheduler.prune: %w", err)
	}
	var err error
	if p.TickTimeout, err = config.ParseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, defaultTickTimeout); err != nil {
		return tickPlan{}, err
	}
	if raw := strings.TrimSpace(cfg.Ledger.PruneFailedAfter); raw == "" {
		p.PruneAfter = defaultPruneAfter
	} else if p.PruneAfter, err = config.ParseDurationField("ledger.prune_failed_after", raw); err != nil {
		return tickPlan{}, err
	}
	return p, nil
}

func mapEngineConfig(cfg *config.Config) (signup.EngineConfig, error) {
	out := signup.EngineConfig{Parallelism: cfg.Scheduler.Parallelism}
	raw := strings.TrimSpace(cfg.Scheduler.MaxJitter)
	if raw == "" {
		out.MaxJitter = signup.DefaultMaxJitter
		return out, nil
	}
	d, err := config.ParseDurationField("scheduler.max_jitter", raw)
	if err != nil {
		return signup.EngineConfig{}, err
	}
	out.MaxJitter = d
	return out, nil
}

func mapGuardConfig(cfg *config.Config) (signup.GuardConfig, error) {
	g := cfg.Gateway
	out := signup.GuardConfig{
		RatePerSec:      g.RatePerSec,
		Burst:           g.Burst,
		BreakerFailures: g.BreakerFailures,
	}
	var err error
	if out.CallTimeout, err = config.ParseDurationField("gateway.call_timeout", g.CallTimeout); err != nil {
		return signup.GuardConfig{}, err
	}
	if out.BreakerOpenFor, err = config.ParseDurationField("gateway.breaker_open_for", g.BreakerOpenFor); err != nil {
		return signup.GuardConfig{}, err
	}
	return out, nil
}

func mapFetchConfig(cfg *config.Config) (signup.FetchConfig, error) {
	out := signup.FetchConfig{VenueID: cfg.Gateway.VenueID}
	var err error
	if out.TTL, err = config.ParseDurationField("fetch.ttl", cfg.Fetch.TTL); err != nil {
		return signup.FetchConfig{}, err
	}
	if out.ImminentWindow, err = config.ParseDurationField("fetch.imminent_window", cfg.Fetch.ImminentWindow); err != nil {
		return signup.FetchConfig{}, err
	}
	if out.Lookahead, err = config.ParseDurationField("fetch.lookahead", cfg.Fetch.Lookahead); err != nil {
		return signup.FetchConfig{}, err
	}
	return out, nil
}

// mapDuplicateWindow returns ok=false when the ledger default should stay.
func mapDuplicateWindow(cfg *config.Config) (time.Duration, bool, error) {
	raw := strings.TrimSpace(cfg.Ledger.DuplicateWindow)
	if raw == "" {
		return 0, false, nil
	}
	d, err := config.ParseDurationField("ledger.duplicate_window", raw)
	return d, err == nil, err
}

// mapClientConfig reads credentials from the environment named by the config.
func mapClientConfig(cfg *config.Config, getenv func(string) string) (httpapi.Config, error) {
	g := cfg.Gateway
	if strings.TrimSpace(g.BaseURL) == "" {
		return httpapi.Config{}, fmt.Errorf("gateway.base_url is required")
	}
	user, pass := getenv(g.UsernameVar()), getenv(g.PasswordVar())
	if user == "" || pass == "" {
		return httpapi.Config{}, fmt.Errorf("gateway credentials missing: set %s and %s", g.UsernameVar(), g.PasswordVar())
	}
	timeout, err := config.ParseDurationField("gateway.call_timeout", g.CallTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		BaseURL:   g.BaseURL,
		VenueID:   g.VenueID,
		Username:  user,
		Password:  pass,
		Timeout:   timeout,
		UserAgent: g.UserAgent,
	}, nil
}

// validateConfig is the transactional reload validator: a config that would
// fail any mapping is never committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTickPlan(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGuardConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDuplicateWindow(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg, os.Getenv); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	return nil
}

func mapAdminConfig(cfg *config.Config, getenv func(string) string) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}
	if env := strings.TrimSpace(ac.TokenEnv); env != "" {
		out.Token = strings.TrimSpace(getenv(env))
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 2*time.Minute); err != nil {
		return admin.Config{}, err
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return admin.Config{}, fmt.Errorf("admin.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !admin.IsLoopbackAddr(out.Addr) {
			return admin.Config{}, fmt.Errorf("admin: binding to non-loopback addr requires token_env or allow_insecure=true")
		}
	}
	return out, nil
}
