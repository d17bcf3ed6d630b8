package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks field syntax: durations, time zones, storage driver and
// numeric ranges. Schedule strings are checked by the app, which owns the
// schedule parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"scheduler.tick_timeout":    cfg.Scheduler.TickTimeout,
		"scheduler.max_jitter":      cfg.Scheduler.MaxJitter,
		"gateway.call_timeout":      cfg.Gateway.CallTimeout,
		"gateway.breaker_open_for":  cfg.Gateway.BreakerOpenFor,
		"fetch.ttl":                 cfg.Fetch.TTL,
		"fetch.imminent_window":     cfg.Fetch.ImminentWindow,
		"fetch.lookahead":           cfg.Fetch.Lookahead,
		"ledger.duplicate_window":   cfg.Ledger.DuplicateWindow,
		"ledger.prune_failed_after": cfg.Ledger.PruneFailedAfter,
		"admin.read_timeout":        cfg.Admin.ReadTimeout,
		"admin.write_timeout":       cfg.Admin.WriteTimeout,
		"admin.idle_timeout":        cfg.Admin.IdleTimeout,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		if te.Workers < 0 {
			add(fmt.Errorf("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(fmt.Errorf("task_engine.queue_size must be >= 0"))
		}
	}
	if st := cfg.Storage; st != nil {
		durations["storage.busy_timeout"] = st.BusyTimeout
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	add(validateZone("scheduler.timezone", cfg.Scheduler.Timezone))
	add(validateZone("venue.timezone", cfg.Venue.Timezone))

	if cfg.Scheduler.Parallelism < 0 {
		add(fmt.Errorf("scheduler.parallelism must be >= 0"))
	}
	if cfg.Gateway.RatePerSec < 0 {
		add(fmt.Errorf("gateway.rate_per_sec must be >= 0"))
	}
	if cfg.Gateway.Burst < 0 {
		add(fmt.Errorf("gateway.burst must be >= 0"))
	}
	if raw := strings.TrimSpace(cfg.Gateway.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("gateway.base_url: invalid url %q", raw))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	return errors.Join(errs...)
}

func validateZone(path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Location resolves a time zone name; empty means the process local zone.
func Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
