package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Robots.Enforce || cfg.Robots.UserAgent != "*" {
		t.Fatalf("expected robots enforcement for *, got %+v", cfg.Robots)
	}
	if got := cfg.ScanTimeout(); got != 45*time.Second {
		t.Fatalf("expected scan timeout 45s, got %v", got)
	}
	if got := cfg.NavigationTimeout(); got != 30*time.Second {
		t.Fatalf("expected navigation timeout 30s, got %v", got)
	}
	if got := cfg.PollInterval(); got != 1500*time.Millisecond {
		t.Fatalf("expected poll interval 1.5s, got %v", got)
	}
	want := []scan.Viewport{
		{Name: "desktop", Width: 1280, Height: 720},
		{Name: "mobile", Width: 390, Height: 844},
	}
	got := cfg.Viewports()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected viewports %+v, got %+v", want, got)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Storage.Backend != "local" {
		t.Fatalf("expected sqlite/local defaults, got %s/%s", cfg.Database.Driver, cfg.Storage.Backend)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Fatalf("expected one worker, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scan:
  timeout_ms: 60000
  navigation_timeout_ms: 20000
robots:
  enforce: false
viewports:
  mobile:
    width: 375
    height: 667
storage:
  backend: gcs
  bucket: a11y-artifacts
  prefix: staging
database:
  driver: postgres
  dsn: postgres://localhost/a11y
worker:
  concurrency: 3
  stale_after_seconds: 120
pubsub:
  project_id: demo
  topic_name: scan-events
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Robots.Enforce {
		t.Fatalf("expected robots enforcement disabled")
	}
	if got := cfg.ScanTimeout(); got != time.Minute {
		t.Fatalf("expected scan timeout 1m, got %v", got)
	}
	if vp := cfg.Viewports()[1]; vp.Width != 375 || vp.Height != 667 {
		t.Fatalf("expected mobile override, got %+v", vp)
	}
	if vp := cfg.Viewports()[0]; vp.Width != 1280 {
		t.Fatalf("expected desktop default preserved, got %+v", vp)
	}
	if cfg.Storage.Bucket != "a11y-artifacts" || cfg.Storage.Prefix != "staging" {
		t.Fatalf("expected gcs storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %s", cfg.Database.Driver)
	}
	if got := cfg.StaleAfter(); got != 2*time.Minute {
		t.Fatalf("expected stale after 2m, got %v", got)
	}
	if cfg.PubSub.TopicName != "scan-events" {
		t.Fatalf("expected topic override, got %q", cfg.PubSub.TopicName)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("A11Y_SERVER_PORT", "7070")
	t.Setenv("A11Y_ROBOTS_ENFORCE", "false")
	t.Setenv("A11Y_DATABASE_DRIVER", "memory")
	t.Setenv("A11Y_WORKER_CONCURRENCY", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Robots.Enforce {
		t.Fatalf("expected env to disable robots enforcement")
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("expected memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("expected two workers, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "zero scan timeout", mutate: func(c *Config) { c.Scan.TimeoutMs = 0 }, want: "scan timeouts"},
		{
			name:   "navigation exceeds scan",
			mutate: func(c *Config) { c.Scan.NavigationTimeoutMs = c.Scan.TimeoutMs + 1 },
			want:   "scan.navigation_timeout_ms",
		},
		{name: "robots timeout", mutate: func(c *Config) { c.Robots.TimeoutSeconds = 0 }, want: "robots.timeout_seconds"},
		{name: "bad viewport", mutate: func(c *Config) { c.Viewport.Mobile.Width = 0 }, want: "viewports.mobile"},
		{name: "axe path", mutate: func(c *Config) { c.Browser.AxePath = "" }, want: "browser.axe_path"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{
			name:   "gcs without bucket",
			mutate: func(c *Config) { c.Storage.Backend = "gcs" },
			want:   "storage.bucket",
		},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, want: "database.driver"},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
			want:   "database.dsn",
		},
		{name: "zero workers", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "zero poll", mutate: func(c *Config) { c.Worker.PollIntervalMs = 0 }, want: "worker.poll_interval_ms"},
		{
			name:   "topic without project",
			mutate: func(c *Config) { c.PubSub.TopicName = "events" },
			want:   "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
