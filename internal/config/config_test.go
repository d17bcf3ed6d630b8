package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  tick: 5m
  tick_timeout: 4m
  max_jitter: 60s
  timezone: America/New_York
gateway:
  base_url: https://booking.example.com/api
  venue_id: "42"
  rate_per_sec: 0.5
  burst: 2
fetch:
  ttl: 10m
ledger:
  prune_failed_after: 0s
venue:
  timezone: America/New_York
storage:
  driver: sqlite
  path: ./signupbot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.VenueID != "42" {
		t.Fatalf("venue_id = %q", cfg.Gateway.VenueID)
	}
	if cfg.Gateway.RatePerSec != 0.5 || cfg.Gateway.Burst != 2 {
		t.Fatalf("rate = %v burst = %d", cfg.Gateway.RatePerSec, cfg.Gateway.Burst)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
	if got := cfg.Gateway.UsernameVar(); got != DefaultUsernameEnv {
		t.Fatalf("UsernameVar = %q", got)
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "ok", body: `{"scheduler":{"enabled":true},"venue":{"timezone":"UTC"}}`},
		{name: "unknown field", body: `{"telegram":{"token":"x"}}`, wantErr: "unknown field"},
		{name: "trailing data", body: `{} {}`, wantErr: "trailing data"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("config.json", []byte(tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "ok", body: "gateway:\n  venue_id: \"42\"\n"},
		{name: "empty file", body: ""},
		{name: "unknown field", body: "telegram:\n  token: x\n", wantErr: "unknown field"},
		{name: "two documents", body: "gateway: {}\n---\ngateway: {}\n", wantErr: "config bot.yml: only one YAML document"},
		{name: "syntax error", body: "gateway: [\n", wantErr: "config bot.yml:"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("bot.yml", []byte(tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Fetch.TTL = "ten minutes" }, wantErr: "fetch.ttl"},
		{name: "negative duration", mutate: func(c *Config) { c.Scheduler.MaxJitter = "-1s" }, wantErr: "scheduler.max_jitter"},
		{name: "bad zone", mutate: func(c *Config) { c.Venue.Timezone = "Mars/Olympus" }, wantErr: "venue.timezone"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, wantErr: "storage.driver"},
		{name: "bad url", mutate: func(c *Config) { c.Gateway.BaseURL = "ftp://x" }, wantErr: "gateway.base_url"},
		{name: "negative rate", mutate: func(c *Config) { c.Gateway.RatePerSec = -1 }, wantErr: "rate_per_sec"},
		{name: "negative workers", mutate: func(c *Config) { c.TaskEngine = &TaskEngineConfig{Workers: -1} }, wantErr: "task_engine.workers"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Config{}
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("90s: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "30d", time.Second)
	if err != nil || d != 720*time.Hour {
		t.Fatalf("30d: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "soon", time.Second); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseDurationField("ledger.prune_failed_after", "1.5d"); err == nil ||
		!strings.Contains(err.Error(), "ledger.prune_failed_after") {
		t.Fatalf("1.5d: %v", err)
	}
	if _, err := ParseDurationField("fetch.ttl", "-5m"); err == nil ||
		!strings.Contains(err.Error(), "must not be negative") {
		t.Fatalf("-5m: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Scheduler: SchedulerConfig{Enabled: true, Tick: "5m"}}
	newCfg := &Config{
		Scheduler: SchedulerConfig{Enabled: true, Tick: "2m"},
		Storage:   &StorageConfig{Driver: "file", Path: "./data"},
		Gateway:   GatewayConfig{UsernameEnv: "BOOKING_USER"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"gateway", "scheduler", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"scheduler":{"enabled":true,"tick":"5m"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"tick":"bogus-duration","tick_timeout":"x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Scheduler)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"tick":"2m"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Tick != "2m" {
			t.Fatalf("tick = %q", cfg.Scheduler.Tick)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
