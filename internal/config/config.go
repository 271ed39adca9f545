// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Portal    PortalConfig    `mapstructure:"portal" yaml:"portal"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the Postgres connection details for the account
// directory and session store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the connection details for the schedule index and the
// lock stores.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// LoginSelectors identifies the portal's login form elements. The portal
// changes its markup from time to time, so these live in configuration
// rather than code.
type LoginSelectors struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Submit   string `mapstructure:"submit" yaml:"submit"`
}

// PortalConfig describes the third-party account portal being managed.
type PortalConfig struct {
	BaseURL       string         `mapstructure:"base_url" yaml:"base_url"`
	LoginPath     string         `mapstructure:"login_path" yaml:"login_path"`
	KeepAlivePath string         `mapstructure:"keep_alive_path" yaml:"keep_alive_path"`
	Selectors     LoginSelectors `mapstructure:"selectors" yaml:"selectors"`
	// SessionCookies names the cookies that constitute an authenticated
	// session. Only these count toward expiry calculations.
	SessionCookies []string `mapstructure:"session_cookies" yaml:"session_cookies"`
}

// BrowserConfig holds settings for the headless browser used for full logins.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoginWait     time.Duration `mapstructure:"post_login_wait" yaml:"post_login_wait"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// SchedulerConfig tunes the refresh scheduler's pacing, backoff and timeouts.
type SchedulerConfig struct {
	// MaxConcurrentLogins caps simultaneous full browser logins.
	// Keep-alive probes do not count against this cap.
	MaxConcurrentLogins int `mapstructure:"max_concurrent_logins" yaml:"max_concurrent_logins"`
	// BatchSize is how many due accounts are processed concurrently per batch.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// AccountsPerMinute throttles how many accounts are touched per minute
	// across a scan, to avoid tripping the portal's anti-automation defences.
	AccountsPerMinute int `mapstructure:"accounts_per_minute" yaml:"accounts_per_minute"`

	// RefreshBuffer is how far ahead of session expiry the next refresh
	// deadline is placed when a session is saved.
	RefreshBuffer time.Duration `mapstructure:"refresh_buffer" yaml:"refresh_buffer"`
	// LoginFlagTTL bounds the login-in-progress flag so a crash mid-login
	// cannot leave an account permanently locked out of scheduling.
	LoginFlagTTL time.Duration `mapstructure:"login_flag_ttl" yaml:"login_flag_ttl"`

	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	LoginTimeout     time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`

	// MinSleep/MaxSleep clamp the schedule-driven sleep between cycles.
	MinSleep time.Duration `mapstructure:"min_sleep" yaml:"min_sleep"`
	MaxSleep time.Duration `mapstructure:"max_sleep" yaml:"max_sleep"`
	// BackoffBase/BackoffMax drive the exponential sleep extension applied
	// after cycles with more failures than successes.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "portalkeep")
	v.SetDefault("logger.log_file", "portalkeep.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Redis --
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// -- Portal --
	v.SetDefault("portal.login_path", "/login")
	v.SetDefault("portal.keep_alive_path", "/account/overview")
	v.SetDefault("portal.selectors.username", "input#username")
	v.SetDefault("portal.selectors.password", "input#password")
	v.SetDefault("portal.selectors.submit", "button[type=submit]")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.post_login_wait", "2s")

	// -- Scheduler --
	v.SetDefault("scheduler.max_concurrent_logins", 3)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.accounts_per_minute", 10)
	v.SetDefault("scheduler.refresh_buffer", "15m")
	v.SetDefault("scheduler.login_flag_ttl", "5m")
	v.SetDefault("scheduler.keep_alive_timeout", "30s")
	v.SetDefault("scheduler.login_timeout", "3m")
	v.SetDefault("scheduler.min_sleep", "5m")
	v.SetDefault("scheduler.max_sleep", "30m")
	v.SetDefault("scheduler.backoff_base", "1m")
	v.SetDefault("scheduler.backoff_max", "15m")
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "PORTALKEEP_DATABASE_URL")
	v.BindEnv("redis.password", "PORTALKEEP_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration invalid: %w", err)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is a required configuration field")
	}
	return nil
}

// Validate checks the scheduler settings.
func (s *SchedulerConfig) Validate() error {
	if s.MaxConcurrentLogins <= 0 {
		return fmt.Errorf("max_concurrent_logins must be a positive integer")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	if s.AccountsPerMinute <= 0 {
		return fmt.Errorf("accounts_per_minute must be a positive integer")
	}
	if s.MinSleep > s.MaxSleep {
		return fmt.Errorf("min_sleep must not exceed max_sleep")
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_max")
	}
	if s.LoginFlagTTL <= 0 {
		return fmt.Errorf("login_flag_ttl must be a positive duration")
	}
	return nil
}
