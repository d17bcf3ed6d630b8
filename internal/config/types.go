package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the tick trigger and the signup loop around it.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the executor that runs scheduled jobs.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Gateway GatewayConfig  `json:"gateway"`
	Fetch   FetchConfig    `json:"fetch,omitempty"`
	Ledger  LedgerConfig   `json:"ledger,omitempty"`
	Venue   VenueConfig    `json:"venue"`

	// Admin is the optional local status/pprof HTTP server.
	Admin AdminConfig `json:"admin,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls where tracked patterns and the attempt ledger live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./signupbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the periodic tick.
//
// Tick accepts anything the scheduler parser understands: a duration ("5m"),
// "@every 5m", or a cron expression. Prune is the schedule of the daily
// ledger cleanup; empty uses "30 3 * * *".
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	Tick        string `json:"tick,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
	MaxJitter   string `json:"max_jitter,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
	Prune       string `json:"prune,omitempty"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// GatewayConfig describes the upstream booking platform.
//
// Credentials never live in the config file: UsernameEnv and PasswordEnv name
// the environment variables holding them.
type GatewayConfig struct {
	BaseURL     string `json:"base_url"`
	VenueID     string `json:"venue_id"`
	UsernameEnv string `json:"username_env,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`

	CallTimeout string  `json:"call_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`

	// BreakerFailures < 0 disables the circuit breaker.
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerOpenFor  string `json:"breaker_open_for,omitempty"`
}

type FetchConfig struct {
	TTL            string `json:"ttl,omitempty"`
	ImminentWindow string `json:"imminent_window,omitempty"`
	Lookahead      string `json:"lookahead,omitempty"`
}

// LedgerConfig controls duplicate-failure throttling and pruning.
//
// PruneFailedAfter: empty means 720h ("30d" also works); "0s" disables pruning.
type LedgerConfig struct {
	DuplicateWindow  string `json:"duplicate_window,omitempty"`
	PruneFailedAfter string `json:"prune_failed_after,omitempty"`
}

// VenueConfig holds the civil calendar used for pattern matching.
type VenueConfig struct {
	Timezone string `json:"timezone"`
}

// AdminConfig controls the local admin server (/healthz, /status and
// optionally /debug/pprof/).
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - A non-loopback addr needs a token (named by token_env) or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	TokenEnv      string `json:"token_env,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

const (
	DefaultUsernameEnv = "SIGNUP_USERNAME"
	DefaultPasswordEnv = "SIGNUP_PASSWORD"
)

func (g GatewayConfig) UsernameVar() string {
	if g.UsernameEnv == "" {
		return DefaultUsernameEnv
	}
	return g.UsernameEnv
}

func (g GatewayConfig) PasswordVar() string {
	if g.PasswordEnv == "" {
		return DefaultPasswordEnv
	}
	return g.PasswordEnv
}
