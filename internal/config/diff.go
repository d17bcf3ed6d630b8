package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signupbot/pkg/logx"
)

// RestartSections lists sections whose changes only take effect after a restart.
var RestartSections = map[string]bool{"storage": true, "venue": true}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Credentials are never logged: only the names
// of the environment variables holding them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(s.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.max_jitter", strings.TrimSpace(s.MaxJitter)),
			logx.Int("scheduler.parallelism", s.Parallelism),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		g := newCfg.Gateway
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Bool("gateway.base_url_set", strings.TrimSpace(g.BaseURL) != ""),
			logx.String("gateway.username_env", g.UsernameVar()),
			logx.String("gateway.call_timeout", strings.TrimSpace(g.CallTimeout)),
			logx.Any("gateway.rate_per_sec", g.RatePerSec),
			logx.Int("gateway.burst", g.Burst),
			logx.Int("gateway.breaker_failures", g.BreakerFailures),
		)
	}

	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.ttl", newCfg.Fetch.TTL),
			logx.String("fetch.imminent_window", newCfg.Fetch.ImminentWindow),
			logx.String("fetch.lookahead", newCfg.Fetch.Lookahead),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.duplicate_window", newCfg.Ledger.DuplicateWindow),
			logx.String("ledger.prune_failed_after", newCfg.Ledger.PruneFailedAfter),
		)
	}

	if strings.TrimSpace(oldCfg.Venue.Timezone) != strings.TrimSpace(newCfg.Venue.Timezone) {
		changed = append(changed, "venue")
		attrs = append(attrs, logx.String("venue.timezone", strings.TrimSpace(newCfg.Venue.Timezone)))
	}

	if oldCfg.Admin != newCfg.Admin {
		a := newCfg.Admin
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", a.Enabled),
			logx.String("admin.addr", strings.TrimSpace(a.Addr)),
			logx.Bool("admin.pprof", a.Pprof),
			logx.Bool("admin.token_env_set", strings.TrimSpace(a.TokenEnv) != ""),
		)
	}

	// Nil storage means defaults.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
