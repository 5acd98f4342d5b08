// Package config loads and validates per-system configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob for one target system, loaded via Viper.
type Config struct {
	System       string `mapstructure:"system"`
	BaseURL      string `mapstructure:"base_url"`
	LoginURL     string `mapstructure:"login_url"`
	DocumentsURL string `mapstructure:"documents_url"`
	// LoginIndicators are URL substrings that mark a redirect to the
	// login/SSO flow, used for session-expiry detection.
	LoginIndicators []string          `mapstructure:"login_indicators"`
	Selectors       SelectorsConfig   `mapstructure:"selectors"`
	Server          ServerConfig      `mapstructure:"server"`
	Browser         BrowserConfig     `mapstructure:"browser"`
	Concurrency     ConcurrencyConfig `mapstructure:"concurrency"`
	Download        DownloadConfig    `mapstructure:"download"`
	Retry           RetryConfig       `mapstructure:"retry"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit"`
	State           StateConfig       `mapstructure:"state"`
	Output          OutputConfig      `mapstructure:"output"`
	Logging         LoggingConfig     `mapstructure:"logging"`
}

// SelectorsConfig holds the portal-specific CSS selectors used to parse the
// document listing. Defaults are placeholders; each deployment inspects its
// portal's DOM and overrides them in config/<system>.yaml.
type SelectorsConfig struct {
	Rows           string `mapstructure:"rows"`
	EmployeeName   string `mapstructure:"employee_name"`
	EmployeeID     string `mapstructure:"employee_id"`
	DocType        string `mapstructure:"doc_type"`
	DocDate        string `mapstructure:"doc_date"`
	DownloadButton string `mapstructure:"download_button"`
	NextButton     string `mapstructure:"next_button"`
	HasNext        string `mapstructure:"has_next"`
}

// ServerConfig controls the optional status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// BrowserConfig configures the shared browser process. Headful is the
// default because the operator completes SSO/MFA by hand.
type BrowserConfig struct {
	Headless   bool   `mapstructure:"headless"`
	SlowMoMs   int    `mapstructure:"slow_mo_ms"`
	Viewport   string `mapstructure:"viewport"`
	NavTimeout int    `mapstructure:"nav_timeout_seconds"`
}

// ConcurrencyConfig sets the worker fan-out and the queue's pre-allocation
// hint; the queue itself grows past the hint as the scrape discovers work.
type ConcurrencyConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// DownloadConfig bounds the jittered pause between items and the per-file
// download timeout.
type DownloadConfig struct {
	DelayMinSeconds float64 `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds float64 `mapstructure:"delay_max_seconds"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
}

// RetryConfig shapes the per-download retry budget.
type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BaseDelaySeconds float64 `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  float64 `mapstructure:"max_delay_seconds"`
}

// RateLimitConfig bounds downloads within a rolling window shared by all
// workers.
type RateLimitConfig struct {
	MaxCalls      int `mapstructure:"max_calls"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// StateConfig selects and locates the ledger backing store.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	// Dir holds per-system sqlite ledgers (<dir>/<system>.db). Ignored by
	// the postgres backend.
	Dir string `mapstructure:"dir"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// OutputConfig locates the downloaded documents and run reports.
type OutputConfig struct {
	Directory string `mapstructure:"directory"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HCMFETCH")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.slow_mo_ms", 50)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("concurrency.workers", 3)
	v.SetDefault("concurrency.queue_depth", 1024)
	v.SetDefault("download.delay_min_seconds", 1.0)
	v.SetDefault("download.delay_max_seconds", 3.0)
	v.SetDefault("download.timeout_seconds", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_seconds", 2.0)
	v.SetDefault("retry.max_delay_seconds", 60.0)
	v.SetDefault("rate_limit.max_calls", 30)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("state.backend", "sqlite")
	v.SetDefault("state.dir", "logs")
	v.SetDefault("output.directory", "output")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must be set")
	}
	if c.Concurrency.Workers <= 0 {
		return fmt.Errorf("concurrency.workers must be > 0")
	}
	if c.RateLimit.MaxCalls < 1 {
		return fmt.Errorf("rate_limit.max_calls must be >= 1")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Download.DelayMinSeconds < 0 || c.Download.DelayMaxSeconds < c.Download.DelayMinSeconds {
		return fmt.Errorf("download delay bounds must satisfy 0 <= min <= max")
	}
	switch c.State.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}
	return nil
}

// LoginTarget returns the URL the operator authenticates against.
func (c Config) LoginTarget() string {
	if c.LoginURL != "" {
		return c.LoginURL
	}
	return c.BaseURL
}

// DelayMin converts the configured minimum inter-item pause to a Duration.
func (c Config) DelayMin() time.Duration {
	return time.Duration(c.Download.DelayMinSeconds * float64(time.Second))
}

// DelayMax converts the configured maximum inter-item pause to a Duration.
func (c Config) DelayMax() time.Duration {
	return time.Duration(c.Download.DelayMaxSeconds * float64(time.Second))
}

// DownloadTimeout converts the per-file download budget to a Duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// DocumentsTarget returns the URL of the document listing.
func (c Config) DocumentsTarget() string {
	if c.DocumentsURL != "" {
		return c.DocumentsURL
	}
	return c.BaseURL
}

// Window converts the rate-limit window to a Duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// RetryBaseDelay converts the retry base delay to a Duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second))
}

// RetryMaxDelay converts the retry delay cap to a Duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySeconds * float64(time.Second))
}
