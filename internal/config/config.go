package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	API struct {
		BaseURL         string  `yaml:"base_url"`
		APIKey          string  `yaml:"api_key"`
		TimeoutSeconds  int     `yaml:"timeout_seconds"`
		CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
		RatePerSecond   float64 `yaml:"rate_per_second"`
		Burst           int     `yaml:"burst"`
	} `yaml:"api"`

	Connectivity struct {
		ProbeIntervalSeconds int  `yaml:"probe_interval_seconds"`
		ProbeTimeoutSeconds  int  `yaml:"probe_timeout_seconds"`
		ForceOffline         bool `yaml:"force_offline"`
	} `yaml:"connectivity"`

	Sync struct {
		OnStartup          *bool `yaml:"on_startup"`
		RetryConflicts     bool  `yaml:"retry_conflicts"`
		PassTimeoutSeconds int   `yaml:"pass_timeout_seconds"`
		LeaseSeconds       int   `yaml:"lease_seconds"`
	} `yaml:"sync"`

	Queue struct {
		PurgeAfterDays int `yaml:"purge_after_days"`
	} `yaml:"queue"`

	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	User struct {
		ID int64 `yaml:"id"`
	} `yaml:"user"`

	Logging struct {
		Level   string `yaml:"level"`
		Console *bool  `yaml:"console"`
	} `yaml:"logging"`
}

// BackupConfig controls periodic snapshots of the local database.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads the YAML config at path. A .env file next to the working
// directory is loaded first so ${VAR} placeholders can refer to it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("ROOMSYNC_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes config bytes, expanding ${ENV_VAR} placeholders and applying defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "data/roomsync.db"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8087"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.API.CacheTTLSeconds) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	if c.Connectivity.ProbeIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Connectivity.ProbeIntervalSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	if c.Connectivity.ProbeTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Connectivity.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) PassTimeout() time.Duration {
	if c.Sync.PassTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Sync.PassTimeoutSeconds) * time.Second
}

// LeaseTTL is how long a pass owns the queue without renewing its lease.
func (c *Config) LeaseTTL() time.Duration {
	if c.Sync.LeaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.LeaseSeconds) * time.Second
}

// SyncOnStartup defaults to true when unset.
func (c *Config) SyncOnStartup() bool {
	return c.Sync.OnStartup == nil || *c.Sync.OnStartup
}

// PurgeAfter is zero when automatic purging is disabled.
func (c *Config) PurgeAfter() time.Duration {
	if c.Queue.PurgeAfterDays <= 0 {
		return 0
	}
	return time.Duration(c.Queue.PurgeAfterDays) * 24 * time.Hour
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
