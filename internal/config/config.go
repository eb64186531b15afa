// Package config provides configuration management for codexd.
//
// Settings are environment-sourced at startup, with an optional config.yaml
// supplying the same keys. Environment values win. Invalid numeric values
// fall back to built-in defaults rather than failing startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults for numeric settings.
const (
	DefaultPort           = 4000
	DefaultPollInterval   = 2 * time.Second
	DefaultConcurrency    = 2
	DefaultAgentTimeout   = 30 * time.Minute
	DefaultShutdownGrace  = 30 * time.Second
	DefaultDatabaseName   = "orchestrator.sqlite"
	DefaultWorktreeSubdir = ".codexd/worktrees"
)

// RepoCacheDirName is the subdirectory of the worktree base dir holding
// cached clones. Cleanup must never treat it as an orphaned worktree.
const RepoCacheDirName = "_repos"

// Config represents the codexd configuration.
type Config struct {
	// WorktreeBaseDir is the managed directory for worktrees and repo caches.
	WorktreeBaseDir string `yaml:"worktree_base_dir"`

	// DatabasePath is the SQLite file path ("" derives from WorktreeBaseDir).
	DatabasePath string `yaml:"database_path"`

	// CodexCLIPath is the agent binary to invoke.
	CodexCLIPath string `yaml:"codex_cli_path"`

	// GitPath is the git binary to invoke.
	GitPath string `yaml:"git_path"`

	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// URL is the externally reachable base URL of this instance.
	URL string `yaml:"url"`

	// WorkerPollInterval is how long an idle worker sleeps between claims.
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`

	// WorkerConcurrency is the number of concurrent workers.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// AgentTimeout is the wall-clock limit per agent invocation.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// Model and ReasoningEffort are optional hints forwarded to the agent.
	Model           string `yaml:"model,omitempty"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, DefaultWorktreeSubdir)
	return &Config{
		WorktreeBaseDir:    base,
		DatabasePath:       filepath.Join(base, DefaultDatabaseName),
		CodexCLIPath:       "codex",
		GitPath:            "git",
		Port:               DefaultPort,
		URL:                fmt.Sprintf("http://127.0.0.1:%d", DefaultPort),
		WorkerPollInterval: DefaultPollInterval,
		WorkerConcurrency:  DefaultConcurrency,
		AgentTimeout:       DefaultAgentTimeout,
	}
}

// envKeys maps viper keys to their environment variable names.
var envKeys = map[string]string{
	"worktree_base_dir":    "WORKTREE_BASE_DIR",
	"database_path":        "CODEXD_DATABASE_PATH",
	"codex_cli_path":       "CODEX_CLI_PATH",
	"git_path":             "GIT_PATH",
	"port":                 "ORCHESTRATOR_PORT",
	"url":                  "ORCHESTRATOR_URL",
	"worker_poll_interval": "WORKER_POLL_INTERVAL_MS",
	"worker_concurrency":   "WORKER_CONCURRENCY",
	"agent_timeout":        "CODEX_TIMEOUT_MS",
	"model":                "CODEX_MODEL",
	"reasoning_effort":     "CODEX_REASONING_EFFORT",
}

// Load builds the configuration from the environment, layered over an
// optional YAML file at path (ignored when path is "" or missing).
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	cfg := &Config{
		WorktreeBaseDir:    stringOr(v, "worktree_base_dir", def.WorktreeBaseDir),
		DatabasePath:       stringOr(v, "database_path", ""),
		CodexCLIPath:       stringOr(v, "codex_cli_path", def.CodexCLIPath),
		GitPath:            stringOr(v, "git_path", def.GitPath),
		Port:               intOr(v, "port", def.Port),
		URL:                stringOr(v, "url", ""),
		WorkerPollInterval: msOr(v, "worker_poll_interval", def.WorkerPollInterval),
		WorkerConcurrency:  intOr(v, "worker_concurrency", def.WorkerConcurrency),
		AgentTimeout:       msOr(v, "agent_timeout", def.AgentTimeout),
		Model:              stringOr(v, "model", ""),
		ReasoningEffort:    stringOr(v, "reasoning_effort", ""),
	}

	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = def.WorkerConcurrency
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.WorktreeBaseDir, DefaultDatabaseName)
	}
	if cfg.URL == "" {
		cfg.URL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}

	return cfg, nil
}

// RepoCacheDir returns the clone cache directory under the managed base dir.
func (c *Config) RepoCacheDir() string {
	return filepath.Join(c.WorktreeBaseDir, RepoCacheDirName)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SaveTo writes the configuration as YAML.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func stringOr(v *viper.Viper, key, fallback string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return fallback
}

// intOr reads an integer setting, falling back when unset or unparseable.
func intOr(v *viper.Viper, key string, fallback int) int {
	raw := v.GetString(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// msOr reads a millisecond setting as a duration, falling back when unset,
// unparseable, or non-positive.
func msOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
