// Package config handles configuration loading for foreman.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// ProjectConfigName is the per-project override file, searched upward from
// the working directory.
const ProjectConfigName = ".foreman.yaml"

// EnvPrefix is the prefix for environment overrides, e.g. FOREMAN_STORE_PATH.
const EnvPrefix = "FOREMAN"

// Config holds all configuration for foreman.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Log        LogConfig        `mapstructure:"log"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend"`
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo).
	Driver string `mapstructure:"driver"`
	// Path is the database file. Empty means .foreman/state.db in the project.
	Path string `mapstructure:"path"`
	// MaxRetries bounds optimistic-write retries.
	MaxRetries int `mapstructure:"max_retries"`
}

// BudgetConfig holds the default alert thresholds for new nodes.
type BudgetConfig struct {
	WarningThreshold  float64 `mapstructure:"warning_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// TasksConfig holds claim lease settings.
type TasksConfig struct {
	// LeaseTTL releases claims older than this. Zero disables the sweep.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// SweepInterval is how often the worker runs the lease sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EscalationConfig holds escalation chain settings.
type EscalationConfig struct {
	// ChainTTL expires chains after this long. Zero means never.
	ChainTTL time.Duration `mapstructure:"chain_ttl"`
}

// WorkerConfig holds settings for the worker daemon.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SignalsDir is watched for "stop" and "pause" files.
	SignalsDir string `mapstructure:"signals_dir"`
}

// ArchiveConfig selects where snapshots are exported.
type ArchiveConfig struct {
	// Backend is "file" or "minio".
	Backend string      `mapstructure:"backend"`
	Dir     string      `mapstructure:"dir"`
	Prefix  string      `mapstructure:"prefix"`
	MinIO   MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig holds object storage credentials.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Path is the debug log file. Empty means .foreman/logs/foreman-debug.log.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_*)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Archive.MinIO.AccessKey = os.ExpandEnv(cfg.Archive.MinIO.AccessKey)
	cfg.Archive.MinIO.SecretKey = os.ExpandEnv(cfg.Archive.MinIO.SecretKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if err := models.ValidateThresholds(c.Budget.WarningThreshold, c.Budget.CriticalThreshold); err != nil {
		return fmt.Errorf("budget thresholds: %w", err)
	}
	if c.Tasks.LeaseTTL < 0 || c.Escalation.ChainTTL < 0 {
		return fmt.Errorf("tasks.lease_ttl and escalation.chain_ttl must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	switch c.Archive.Backend {
	case "file", "minio":
	default:
		return fmt.Errorf("archive.backend: unknown backend %q", c.Archive.Backend)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_retries", d.Store.MaxRetries)

	v.SetDefault("budget.warning_threshold", d.Budget.WarningThreshold)
	v.SetDefault("budget.critical_threshold", d.Budget.CriticalThreshold)

	v.SetDefault("tasks.lease_ttl", d.Tasks.LeaseTTL.String())
	v.SetDefault("tasks.sweep_interval", d.Tasks.SweepInterval.String())
	v.SetDefault("escalation.chain_ttl", d.Escalation.ChainTTL.String())

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval.String())
	v.SetDefault("worker.signals_dir", d.Worker.SignalsDir)

	v.SetDefault("archive.backend", d.Archive.Backend)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.bucket", d.Archive.MinIO.Bucket)
	v.SetDefault("archive.minio.use_ssl", false)

	v.SetDefault("log.path", "")
}

// getUserConfigDir returns the XDG config directory for foreman.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foreman")
	}
	return filepath.Join(home, ".config", "foreman")
}

// findProjectConfig searches for .foreman.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			Driver:     "sqlite",
			MaxRetries: 5,
		},
		Budget: BudgetConfig{
			WarningThreshold:  models.DefaultWarningThreshold,
			CriticalThreshold: models.DefaultCriticalThreshold,
		},
		Tasks: TasksConfig{
			SweepInterval: time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: time.Second,
			SignalsDir:   filepath.Join(".foreman", "signals"),
		},
		Archive: ArchiveConfig{
			Backend: "file",
			Dir:     filepath.Join(".foreman", "archive"),
			MinIO: MinIOConfig{
				Bucket: "foreman-archive",
			},
		},
	}
}
