package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Agent   AgentConfig   `toml:"agent"`
	Runner  RunnerConfig  `toml:"runner"`
	Poll    PollConfig    `toml:"poll"`
	Orphan  OrphanConfig  `toml:"orphan"`
	Git     GitConfig     `toml:"git"`
	Web     WebConfig     `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RequirementsDir string `toml:"requirements_dir"`
	DatabasePath    string `toml:"database_path"`
	IdeasFile       string `toml:"ideas_file"`
}

// AgentConfig holds the connection to the coding-agent process
type AgentConfig struct {
	BaseURL string `toml:"base_url"`
	// Transport is "http" (poll the REST surface) or "stream" (websocket push)
	Transport string        `toml:"transport"`
	Timeout   time.Duration `toml:"timeout"`
}

// RunnerConfig holds orchestrator tunables
type RunnerConfig struct {
	SettleDelay    time.Duration `toml:"settle_delay"`
	CreateAttempts int           `toml:"create_attempts"`
	CreateBackoff  time.Duration `toml:"create_backoff"`
	HealthAttempts int           `toml:"health_attempts"`
	HealthDelay    time.Duration `toml:"health_delay"`
}

// PollConfig holds status-poller tunables
type PollConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	SlowInterval time.Duration `toml:"slow_interval"`
	FastInterval time.Duration `toml:"fast_interval"`
	FastAfter    int           `toml:"fast_after"`
	MaxAttempts  int           `toml:"max_attempts"`
	MaxErrors    int           `toml:"max_errors"`
}

// OrphanConfig holds orphan-session detection settings
type OrphanConfig struct {
	// Threshold is how stale a session heartbeat may get before the
	// session counts as orphaned
	Threshold time.Duration `toml:"threshold"`
	// Schedule is a cron expression for periodic scans
	Schedule    string `toml:"schedule"`
	AutoCleanup bool   `toml:"auto_cleanup"`
}

// GitConfig holds the post-completion git side effect
type GitConfig struct {
	Enabled       bool     `toml:"enabled"`
	Commands      []string `toml:"commands"`
	CommitMessage string   `toml:"commit_message"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			RequirementsDir: filepath.Join(home, ".task-runner", "requirements"),
			DatabasePath:    filepath.Join(home, ".task-runner", "task-runner.db"),
			IdeasFile:       "",
		},
		Agent: AgentConfig{
			BaseURL:   "http://127.0.0.1:8317",
			Transport: "http",
			Timeout:   30 * time.Second,
		},
		Runner: RunnerConfig{
			SettleDelay:    5 * time.Second,
			CreateAttempts: 5,
			CreateBackoff:  2 * time.Second,
			HealthAttempts: 5,
			HealthDelay:    2 * time.Second,
		},
		Poll: PollConfig{
			InitialDelay: 5 * time.Second,
			SlowInterval: 5 * time.Second,
			FastInterval: 2 * time.Second,
			FastAfter:    3,
			MaxAttempts:  360,
			MaxErrors:    15,
		},
		Orphan: OrphanConfig{
			Threshold:   30 * time.Minute,
			Schedule:    "*/10 * * * *",
			AutoCleanup: false,
		},
		Git: GitConfig{
			Enabled: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.RequirementsDir = ExpandPath(cfg.General.RequirementsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.IdeasFile = ExpandPath(cfg.General.IdeasFile)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "task-runner", "config.toml")
}
