// Package config loads licensed settings: built-in defaults, then an optional YAML file,
// then DLNK_* environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dlnk/licensecore/internal/model"
	"github.com/dlnk/licensecore/internal/policy"
)

// EnvPrefix prefixes every environment override, e.g. DLNK_STORE_URL.
const EnvPrefix = "DLNK"

// Config is the full server configuration.
type Config struct {
	MasterKeyPath  string        `yaml:"master_key_path" envconfig:"MASTER_KEY_PATH" validate:"required"`
	StoreURL       string        `yaml:"store_url" envconfig:"STORE_URL" validate:"required"`
	StoreTimeout   time.Duration `yaml:"store_timeout" envconfig:"STORE_TIMEOUT" validate:"gt=0"`
	LocalCachePath string        `yaml:"local_cache_path" envconfig:"LOCAL_CACHE_PATH"`
	MigrateOnStart bool          `yaml:"migrate_on_start" envconfig:"MIGRATE_ON_START"`

	MaxAttempts        int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"min=1"`
	LockoutBaseMinutes int `yaml:"lockout_base_minutes" envconfig:"LOCKOUT_BASE_MINUTES" validate:"min=1"`
	LockoutMaxMinutes  int `yaml:"lockout_max_minutes" envconfig:"LOCKOUT_MAX_MINUTES" validate:"gtefield=LockoutBaseMinutes"`
	SessionTTLHours    int `yaml:"session_ttl_hours" envconfig:"SESSION_TTL_HOURS" validate:"min=1"`
	OfflineGraceDays   int `yaml:"offline_grace_days" envconfig:"OFFLINE_GRACE_DAYS" validate:"min=0"`
	PasswordMinLength  int `yaml:"password_min_length" envconfig:"PASSWORD_MIN_LENGTH" validate:"min=8,max=128"`
	ExpiringSoonDays   int `yaml:"expiring_soon_days" envconfig:"EXPIRING_SOON_DAYS" validate:"min=0"`
	ClockSkewHours     int `yaml:"clock_skew_hours" envconfig:"CLOCK_SKEW_HOURS" validate:"min=0"`
	RetentionDays      int `yaml:"retention_days" envconfig:"RETENTION_DAYS" validate:"min=1"`

	FeaturesFor     map[string][]string `yaml:"features_for" ignored:"true"`
	DefaultDuration map[string]int      `yaml:"default_duration" envconfig:"DEFAULT_DURATION"`
	MaxDevicesFor   map[string]int      `yaml:"max_devices_for" envconfig:"MAX_DEVICES_FOR"`

	LeaseTTL time.Duration `yaml:"lease_ttl" envconfig:"LEASE_TTL" validate:"min=0"`

	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Log     LogConfig     `yaml:"log" envconfig:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" envconfig:"METRICS"`
	Redis   RedisConfig   `yaml:"redis" envconfig:"REDIS"`
	Jobs    JobsConfig    `yaml:"jobs" envconfig:"JOBS"`

	Bootstrap BootstrapConfig `yaml:"bootstrap" envconfig:"BOOTSTRAP"`
}

// ServerConfig configures the gRPC listener.
type ServerConfig struct {
	Addr      string  `yaml:"addr" envconfig:"ADDR" validate:"required"`
	TLSCert   string  `yaml:"tls_cert" envconfig:"TLS_CERT" validate:"required_with=TLSKey"`
	TLSKey    string  `yaml:"tls_key" envconfig:"TLS_KEY" validate:"required_with=TLSCert"`
	Reflect   bool    `yaml:"reflection" envconfig:"REFLECTION"`
	RateLimit float64 `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" validate:"min=0"`
	Burst     int     `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" validate:"min=0"`
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
	Level       string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
}

// MetricsConfig enables the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// RedisConfig enables the audit publisher.
type RedisConfig struct {
	Addr    string        `yaml:"addr" envconfig:"ADDR"`
	Channel string        `yaml:"channel" envconfig:"CHANNEL" validate:"required_with=Addr"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"min=0"`
}

// JobsConfig schedules maintenance. A zero interval disables the job.
type JobsConfig struct {
	CompactInterval time.Duration `yaml:"compact_interval" envconfig:"COMPACT_INTERVAL" validate:"min=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL" validate:"min=0"`
}

// BootstrapConfig creates the first admin account on start when Username is set.
type BootstrapConfig struct {
	Username string `yaml:"username" envconfig:"USERNAME"`
	Email    string `yaml:"email" envconfig:"EMAIL"`
	Password string `yaml:"password" envconfig:"PASSWORD" validate:"required_with=Username"`
}

// Default mirrors policy.Default and adds local defaults.
func Default() Config {
	p := policy.Default()
	c := Config{
		MasterKeyPath:      "master.key",
		StoreURL:           "memory://",
		StoreTimeout:       5 * time.Second,
		MaxAttempts:        p.MaxAttempts,
		LockoutBaseMinutes: p.LockoutBaseMinutes,
		LockoutMaxMinutes:  p.LockoutMaxMinutes,
		SessionTTLHours:    int(p.SessionTTL / time.Hour),
		OfflineGraceDays:   p.OfflineGraceDays,
		PasswordMinLength:  p.PasswordMinLength,
		ExpiringSoonDays:   p.ExpiringSoonDays,
		ClockSkewHours:     int(p.ClockSkew / time.Hour),
		RetentionDays:      p.RetentionDays,
		FeaturesFor:        map[string][]string{},
		DefaultDuration:    map[string]int{},
		MaxDevicesFor:      map[string]int{},
		LeaseTTL:           72 * time.Hour,
		Server:             ServerConfig{Addr: ":8443", RateLimit: 20, Burst: 40},
		Log:                LogConfig{Level: "info"},
		Redis:              RedisConfig{Channel: "dlnk.audit", Timeout: time.Second},
		Jobs:               JobsConfig{CompactInterval: 24 * time.Hour, CleanupInterval: time.Hour},
	}
	for t, f := range p.FeaturesFor {
		c.FeaturesFor[string(t)] = append([]string(nil), f...)
	}
	for t, d := range p.DefaultDuration {
		c.DefaultDuration[string(t)] = d
	}
	for t, n := range p.MaxDevicesFor {
		c.MaxDevicesFor[string(t)] = n
	}
	return c
}

// Load reads path (optional, "" skips the file), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the license-type tables.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var bad []error
	for t := range c.FeaturesFor {
		if !model.LicenseType(t).Valid() {
			bad = append(bad, fmt.Errorf("features_for: unknown license type %q", t))
		}
	}
	for t, d := range c.DefaultDuration {
		if !model.LicenseType(t).Valid() {
			bad = append(bad, fmt.Errorf("default_duration: unknown license type %q", t))
		} else if d < 0 {
			bad = append(bad, fmt.Errorf("default_duration: %s must not be negative", t))
		}
	}
	for t, n := range c.MaxDevicesFor {
		if !model.LicenseType(t).Valid() {
			bad = append(bad, fmt.Errorf("max_devices_for: unknown license type %q", t))
		} else if n < 1 {
			bad = append(bad, fmt.Errorf("max_devices_for: %s must be at least 1", t))
		}
	}
	if err := errors.Join(bad...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policy converts the configuration into the services' policy table.
func (c Config) Policy() policy.Policy {
	p := policy.Default()
	p.MaxAttempts = c.MaxAttempts
	p.LockoutBaseMinutes = c.LockoutBaseMinutes
	p.LockoutMaxMinutes = c.LockoutMaxMinutes
	p.SessionTTL = time.Duration(c.SessionTTLHours) * time.Hour
	p.OfflineGraceDays = c.OfflineGraceDays
	p.PasswordMinLength = c.PasswordMinLength
	p.ExpiringSoonDays = c.ExpiringSoonDays
	p.ClockSkew = time.Duration(c.ClockSkewHours) * time.Hour
	p.RetentionDays = c.RetentionDays
	for t, f := range c.FeaturesFor {
		p.FeaturesFor[model.LicenseType(t)] = append([]string(nil), f...)
	}
	for t, d := range c.DefaultDuration {
		p.DefaultDuration[model.LicenseType(t)] = d
	}
	for t, n := range c.MaxDevicesFor {
		p.MaxDevicesFor[model.LicenseType(t)] = n
	}
	return p
}
