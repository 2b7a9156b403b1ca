// Package config loads fitlog configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. FITLOG_SYNC_FAN_OUT.
const EnvPrefix = "FITLOG"

// Config is the complete runtime configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Remote    RemoteConfig    `mapstructure:"remote"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SyncConfig configures the sync engine and its queue.
type SyncConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	FanOut               int           `mapstructure:"fan_out"`
	OperationTimeout     time.Duration `mapstructure:"operation_timeout"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	JitterPercent        uint64        `mapstructure:"jitter_percent"`
	OfflineAfterFailures int           `mapstructure:"offline_after_failures"`
	QueueCapacity        int           `mapstructure:"queue_capacity"`
}

// SchedulerConfig configures the sync decision policy.
type SchedulerConfig struct {
	LowBatteryPercent     int           `mapstructure:"low_battery_percent"`
	MeteredBudgetBytes    int64         `mapstructure:"metered_budget_bytes"`
	DefaultOperationBytes int64         `mapstructure:"default_operation_bytes"`
	StatsWindow           time.Duration `mapstructure:"stats_window"`
	StatsSize             int           `mapstructure:"stats_size"`
}

// MonitorConfig configures health classification.
type MonitorConfig struct {
	WindowSize           int     `mapstructure:"window_size"`
	BufferSize           int     `mapstructure:"buffer_size"`
	DegradedSuccessRate  float64 `mapstructure:"degraded_success_rate"`
	OfflineAfterFailures int     `mapstructure:"offline_after_failures"`
}

// BackupConfig configures snapshots and the automatic backup scheduler.
type BackupConfig struct {
	Dir        string        `mapstructure:"dir"`
	MaxBackups int           `mapstructure:"max_backups"`
	Interval   string        `mapstructure:"interval"` // hourly, daily, weekly, manual
	Type       string        `mapstructure:"type"`     // full, incremental
	FullEvery  int           `mapstructure:"full_every"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind    string        `mapstructure:"kind"` // none, memory, s3, minio, r2, http
	Timeout time.Duration `mapstructure:"timeout"`

	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccountID string `mapstructure:"account_id"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// Remote kinds.
const (
	RemoteNone   = "none"
	RemoteMemory = "memory"
	RemoteS3     = "s3"
	RemoteMinIO  = "minio"
	RemoteR2     = "r2"
	RemoteHTTP   = "http"
)

// DefaultDataDir returns ~/.fitlog, or ./.fitlog when the home directory is
// unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fitlog"
	}
	return filepath.Join(home, ".fitlog")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.fan_out", 3)
	v.SetDefault("sync.operation_timeout", 30*time.Second)
	v.SetDefault("sync.base_backoff", 2*time.Second)
	v.SetDefault("sync.max_backoff", time.Hour)
	v.SetDefault("sync.jitter_percent", 20)
	v.SetDefault("sync.offline_after_failures", 3)
	v.SetDefault("sync.queue_capacity", 10000)

	v.SetDefault("scheduler.low_battery_percent", 15)
	v.SetDefault("scheduler.metered_budget_bytes", 512*1024)
	v.SetDefault("scheduler.default_operation_bytes", 2*1024)
	v.SetDefault("scheduler.stats_window", time.Hour)
	v.SetDefault("scheduler.stats_size", 256)

	v.SetDefault("monitor.window_size", 50)
	v.SetDefault("monitor.buffer_size", 128)
	v.SetDefault("monitor.degraded_success_rate", 0.8)
	v.SetDefault("monitor.offline_after_failures", 3)

	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.max_backups", 10)
	v.SetDefault("backup.interval", "daily")
	v.SetDefault("backup.type", "incremental")
	v.SetDefault("backup.full_every", 7)
	v.SetDefault("backup.max_age", 72*time.Hour)

	v.SetDefault("remote.kind", RemoteNone)
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.region", "us-east-1")
	v.SetDefault("remote.use_ssl", true)
}

// Default returns the configuration with every key at its default.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An explicit path must exist; with an empty path
// fitlog.{yaml,toml,json} is looked up in the working directory and
// ~/.fitlog, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fitlog")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}
	return &cfg, nil
}

// Validate rejects values the subsystems cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("data_dir must be set")
	case c.Sync.FanOut < 1:
		return fmt.Errorf("sync.fan_out must be at least 1, got %d", c.Sync.FanOut)
	case c.Sync.OperationTimeout <= 0:
		return fmt.Errorf("sync.operation_timeout must be positive")
	case c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff:
		return fmt.Errorf("sync backoff must satisfy 0 < base_backoff <= max_backoff")
	case c.Sync.JitterPercent > 100:
		return fmt.Errorf("sync.jitter_percent must be within 0..100")
	case c.Sync.OfflineAfterFailures < 1 || c.Monitor.OfflineAfterFailures < 1:
		return fmt.Errorf("offline_after_failures must be at least 1")
	case c.Sync.QueueCapacity < 1:
		return fmt.Errorf("sync.queue_capacity must be at least 1")
	case c.Scheduler.LowBatteryPercent < 0 || c.Scheduler.LowBatteryPercent > 100:
		return fmt.Errorf("scheduler.low_battery_percent must be within 0..100")
	case c.Scheduler.MeteredBudgetBytes < 0:
		return fmt.Errorf("scheduler.metered_budget_bytes must not be negative")
	case c.Monitor.WindowSize < 1 || c.Monitor.BufferSize < 1:
		return fmt.Errorf("monitor window_size and buffer_size must be at least 1")
	case c.Monitor.DegradedSuccessRate < 0 || c.Monitor.DegradedSuccessRate > 1:
		return fmt.Errorf("monitor.degraded_success_rate must be within 0..1")
	case c.Backup.MaxBackups < 1:
		return fmt.Errorf("backup.max_backups must be at least 1")
	}

	switch c.Backup.Type {
	case "full", "incremental":
	default:
		return fmt.Errorf("backup.type must be full or incremental, got %q", c.Backup.Type)
	}
	switch c.Backup.Interval {
	case "hourly", "daily", "weekly", "manual":
	default:
		return fmt.Errorf("backup.interval must be hourly, daily, weekly or manual, got %q", c.Backup.Interval)
	}
	switch c.Remote.Kind {
	case RemoteNone, RemoteMemory, RemoteHTTP:
	case RemoteS3, RemoteMinIO, RemoteR2:
		if c.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for %s", c.Remote.Kind)
		}
	default:
		return fmt.Errorf("unknown remote.kind %q", c.Remote.Kind)
	}
	if c.Remote.Kind == RemoteHTTP && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required for http")
	}
	return nil
}

// DatabasePath returns the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "fitlog.db")
}

// LogPath returns the configured log file, relative paths resolved against
// the data directory.
func (c *Config) LogPath() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}
