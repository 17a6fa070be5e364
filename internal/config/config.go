// Package config loads and validates a11yscan configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Auth     AuthConfig      `mapstructure:"auth"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Scan     ScanConfig      `mapstructure:"scan"`
	Robots   RobotsConfig    `mapstructure:"robots"`
	Viewport ViewportsConfig `mapstructure:"viewports"`
	Browser  BrowserConfig   `mapstructure:"browser"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Database DatabaseConfig  `mapstructure:"database"`
	Worker   WorkerConfig    `mapstructure:"worker"`
	PubSub   PubSubConfig    `mapstructure:"pubsub"`
	Tracing  TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScanConfig bounds page loads.
type ScanConfig struct {
	TimeoutMs           int     `mapstructure:"timeout_ms"`
	NavigationTimeoutMs int     `mapstructure:"navigation_timeout_ms"`
	SettleTimeoutMs     int     `mapstructure:"settle_timeout_ms"`
	UserAgent           string  `mapstructure:"user_agent"`
	DomainQPS           float64 `mapstructure:"domain_qps"`
}

// RobotsConfig controls the robots.txt gate.
type RobotsConfig struct {
	Enforce        bool   `mapstructure:"enforce"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ViewportSize is a width x height pair.
type ViewportSize struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// ViewportsConfig holds the two audited layouts.
type ViewportsConfig struct {
	Desktop ViewportSize `mapstructure:"desktop"`
	Mobile  ViewportSize `mapstructure:"mobile"`
}

// BrowserConfig configures the headless Chrome pool.
type BrowserConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AxePath     string `mapstructure:"axe_path"`
	ExecPath    string `mapstructure:"exec_path"`
	MaxParallel int    `mapstructure:"max_parallel"`
}

// StorageConfig selects the artifact backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
}

// LocalStorageConfig roots the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig selects and tunes the scan store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// WorkerConfig controls the worker pool and the stale-scan reaper.
type WorkerConfig struct {
	Concurrency         int `mapstructure:"concurrency"`
	PollIntervalMs      int `mapstructure:"poll_interval_ms"`
	StaleAfterSeconds   int `mapstructure:"stale_after_seconds"`
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig toggles OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("A11Y")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Keys without a default are invisible to AutomaticEnv during Unmarshal, so
// every key is registered here, even when empty.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scan.timeout_ms", 45000)
	v.SetDefault("scan.navigation_timeout_ms", 30000)
	v.SetDefault("scan.settle_timeout_ms", 15000)
	v.SetDefault("scan.user_agent", "a11yscan/0.1 (+accessibility pre-check)")
	v.SetDefault("scan.domain_qps", 1.0)
	v.SetDefault("robots.enforce", true)
	v.SetDefault("robots.user_agent", "*")
	v.SetDefault("robots.timeout_seconds", 10)
	v.SetDefault("viewports.desktop.width", 1280)
	v.SetDefault("viewports.desktop.height", 720)
	v.SetDefault("viewports.mobile.width", 390)
	v.SetDefault("viewports.mobile.height", 844)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.axe_path", "./assets/axe.min.js")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "./data/artifacts")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/a11yscan.db")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval_ms", 1500)
	v.SetDefault("worker.stale_after_seconds", 600)
	v.SetDefault("worker.reap_interval_seconds", 60)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scan.TimeoutMs <= 0 || c.Scan.NavigationTimeoutMs <= 0 {
		return fmt.Errorf("scan timeouts must be > 0")
	}
	if c.Scan.NavigationTimeoutMs > c.Scan.TimeoutMs {
		return fmt.Errorf("scan.navigation_timeout_ms must not exceed scan.timeout_ms")
	}
	if c.Robots.TimeoutSeconds <= 0 {
		return fmt.Errorf("robots.timeout_seconds must be > 0")
	}
	for name, vp := range map[string]ViewportSize{"desktop": c.Viewport.Desktop, "mobile": c.Viewport.Mobile} {
		if vp.Width <= 0 || vp.Height <= 0 {
			return fmt.Errorf("viewports.%s must have positive width and height", name)
		}
	}
	if c.Browser.Enabled && c.Browser.AxePath == "" {
		return fmt.Errorf("browser.axe_path must be set when the browser is enabled")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the %s driver", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.PollIntervalMs <= 0 {
		return fmt.Errorf("worker.poll_interval_ms must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ScanTimeout is the whole-page budget of one capture or audit.
func (c Config) ScanTimeout() time.Duration {
	return time.Duration(c.Scan.TimeoutMs) * time.Millisecond
}

// NavigationTimeout bounds the navigation step inside a page load.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Scan.NavigationTimeoutMs) * time.Millisecond
}

// SettleTimeout bounds the best-effort network idle wait.
func (c Config) SettleTimeout() time.Duration {
	return time.Duration(c.Scan.SettleTimeoutMs) * time.Millisecond
}

// RobotsTimeout bounds the robots.txt fetch.
func (c Config) RobotsTimeout() time.Duration {
	return time.Duration(c.Robots.TimeoutSeconds) * time.Second
}

// PollInterval is the idle wait between empty claims.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

// StaleAfter is the running-time limit after which the reaper fails a scan.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

// ReapInterval is the period of the stale-scan reaper.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Worker.ReapIntervalSeconds) * time.Second
}

// Viewports returns the audited layouts in audit order.
func (c Config) Viewports() []scan.Viewport {
	return []scan.Viewport{
		{Name: "desktop", Width: c.Viewport.Desktop.Width, Height: c.Viewport.Desktop.Height},
		{Name: "mobile", Width: c.Viewport.Mobile.Width, Height: c.Viewport.Mobile.Height},
	}
}
