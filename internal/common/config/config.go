// Package config provides configuration management for agentrun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentrun.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Vault    VaultConfig    `mapstructure:"vault"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // default: ~/.agentrun/agentrun.db
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds external agent-engine execution configuration.
type EngineConfig struct {
	// ManifestPath points to engines.yaml describing available engines.
	// Empty means use the built-in default engine definition.
	ManifestPath string `mapstructure:"manifestPath"`

	// DefaultEngine selects which manifest entry to run when the caller
	// does not name one.
	DefaultEngine string `mapstructure:"defaultEngine"`

	// KillGraceSeconds is how long to wait between SIGTERM and SIGKILL.
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`

	// TailWindowBytes bounds the rolling output window retained for
	// rate-limit and auth-failure pattern detection.
	TailWindowBytes int `mapstructure:"tailWindowBytes"`
}

// ProfilesConfig holds credential-profile rotation configuration.
type ProfilesConfig struct {
	// AutoSwitch enables switching profiles automatically when the active
	// one hits a rate limit and a better alternative exists.
	AutoSwitch bool `mapstructure:"autoSwitch"`

	// ProactiveSwitch enables acting on proactive-switch recommendations
	// instead of only surfacing them.
	ProactiveSwitch bool `mapstructure:"proactiveSwitch"`

	// ProactiveThreshold is the usage fraction (0-1) above which a
	// proactive switch is recommended.
	ProactiveThreshold float64 `mapstructure:"proactiveThreshold"`

	// BaseDir is where per-profile engine config directories live.
	BaseDir string `mapstructure:"baseDir"` // default: ~/.agentrun/profiles
}

// WorktreeConfig holds git worktree workflow configuration.
type WorktreeConfig struct {
	// DirName is the directory under the project root that holds worktrees.
	DirName string `mapstructure:"dirName"` // default: .worktrees

	// BranchPrefix is prepended to worktree branch names.
	BranchPrefix string `mapstructure:"branchPrefix"` // default: tasks/

	// MergeTimeoutSeconds bounds a single merge git invocation.
	MergeTimeoutSeconds int `mapstructure:"mergeTimeoutSeconds"`

	// StaleAfterDays flags worktrees whose last commit is older than this.
	StaleAfterDays int `mapstructure:"staleAfterDays"`
}

// VaultConfig holds credential vault configuration.
type VaultConfig struct {
	// KeyDir is where the master key lives. Default: ~/.agentrun
	KeyDir string `mapstructure:"keyDir"`
}

// KillGrace returns the kill grace window as a duration.
func (e *EngineConfig) KillGrace() time.Duration {
	return time.Duration(e.KillGraceSeconds) * time.Second
}

// MergeTimeout returns the merge timeout as a duration.
func (w *WorktreeConfig) MergeTimeout() time.Duration {
	return time.Duration(w.MergeTimeoutSeconds) * time.Second
}

// StaleAfter returns the stale threshold as a duration.
func (w *WorktreeConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleAfterDays) * 24 * time.Hour
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func homePath(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("database.path", homePath(".agentrun", "agentrun.db"))

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("engine.manifestPath", "")
	v.SetDefault("engine.defaultEngine", "claude")
	v.SetDefault("engine.killGraceSeconds", 5)
	v.SetDefault("engine.tailWindowBytes", 10*1024)

	v.SetDefault("profiles.autoSwitch", true)
	v.SetDefault("profiles.proactiveSwitch", false)
	v.SetDefault("profiles.proactiveThreshold", 0.85)
	v.SetDefault("profiles.baseDir", homePath(".agentrun", "profiles"))

	v.SetDefault("worktree.dirName", ".worktrees")
	v.SetDefault("worktree.branchPrefix", "tasks/")
	v.SetDefault("worktree.mergeTimeoutSeconds", 120)
	v.SetDefault("worktree.staleAfterDays", 7)

	v.SetDefault("vault.keyDir", homePath(".agentrun"))
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRUN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.agentrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(homePath(".agentrun"))

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Engine.KillGraceSeconds <= 0 {
		return fmt.Errorf("engine.killGraceSeconds must be positive")
	}
	if cfg.Engine.TailWindowBytes <= 0 {
		return fmt.Errorf("engine.tailWindowBytes must be positive")
	}
	if cfg.Worktree.MergeTimeoutSeconds <= 0 {
		return fmt.Errorf("worktree.mergeTimeoutSeconds must be positive")
	}
	if cfg.Worktree.DirName == "" {
		return fmt.Errorf("worktree.dirName must not be empty")
	}
	if cfg.Profiles.ProactiveThreshold < 0 || cfg.Profiles.ProactiveThreshold > 1 {
		return fmt.Errorf("profiles.proactiveThreshold must be between 0 and 1")
	}
	return nil
}
