// Package config loads waypoint's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/waypoint/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds waypoint configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`
}

// EngineConfig holds default run limits.
type EngineConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MaxParallel     int           `yaml:"max_parallel"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	MaxStepAttempts int           `yaml:"max_step_attempts"`
	// HistoryLimit caps the previous_runs history kept per run id.
	HistoryLimit         int  `yaml:"history_limit"`
	CheckpointEveryRound bool `yaml:"checkpoint_every_round"`
}

// GoalConfig returns the per-run limits.
func (e EngineConfig) GoalConfig() models.GoalConfig {
	return models.GoalConfig{
		MaxIterations:   e.MaxIterations,
		MaxParallel:     e.MaxParallel,
		StepTimeout:     e.StepTimeout,
		MaxStepAttempts: e.MaxStepAttempts,
	}
}

// StoreConfig locates the SQLite database. An empty path means ~/.waypoint/waypoint.db.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the control plane listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// LLMConfig selects the model behind the LLM oracles.
type LLMConfig struct {
	// Provider is openai, anthropic or ollama.
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ResolvedAPIKey returns the configured key, or the provider's environment
// variable when none is configured.
func (l LLMConfig) ResolvedAPIKey() string {
	if l.APIKey != "" {
		return l.APIKey
	}
	switch l.Provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// ExecutorConfig selects the step executor.
type ExecutorConfig struct {
	// Kind is llm or localexec.
	Kind    string `yaml:"kind"`
	WorkDir string `yaml:"work_dir"`
	// Allow maps permitted commands to their permitted subcommands (localexec only).
	Allow map[string][]string `yaml:"allow"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	goal := models.DefaultGoalConfig()
	return &Config{
		Engine: EngineConfig{
			MaxIterations:        goal.MaxIterations,
			MaxParallel:          goal.MaxParallel,
			StepTimeout:          goal.StepTimeout,
			MaxStepAttempts:      goal.MaxStepAttempts,
			HistoryLimit:         10,
			CheckpointEveryRound: true,
		},
		Server: ServerConfig{Listen: "127.0.0.1:7466"},
		Log:    LogConfig{Level: "info", Format: "text"},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Executor: ExecutorConfig{
			Kind:  "llm",
			Allow: DefaultAllow(),
		},
	}
}

// DefaultAllow returns the default localexec allowlist.
func DefaultAllow() map[string][]string {
	return map[string][]string{
		"git": {"status", "diff"},
		"go":  {"test"},
	}
}

// Dir returns ~/.waypoint.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".waypoint"), nil
}

// DBPath returns the configured database path or the default one.
func (c *Config) DBPath() (string, error) {
	if c.Store.Path != "" {
		return expandHome(c.Store.Path)
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "waypoint.db"), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// LoadConfig loads configuration from a YAML file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	// yaml merges into existing maps; a configured allowlist replaces the default.
	cfg.Executor.Allow = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Executor.Allow == nil {
		cfg.Executor.Allow = DefaultAllow()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromHome loads configuration from ~/.waypoint/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadConfig(filepath.Join(dir, "config.yaml"))
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Engine.GoalConfig().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.HistoryLimit < 1 {
		return fmt.Errorf("engine: history_limit must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level %q, must be: debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q, must be: text or json", c.Log.Format)
	}

	validProviders := map[string]bool{"openai": true, "anthropic": true, "ollama": true}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm provider %q, must be: openai, anthropic, or ollama", c.LLM.Provider)
	}
	if c.LLM.RequestsPerSecond <= 0 {
		return fmt.Errorf("llm: requests_per_second must be positive")
	}
	if c.LLM.Burst < 1 {
		return fmt.Errorf("llm: burst must be at least 1")
	}

	switch c.Executor.Kind {
	case "llm":
	case "localexec":
		if len(c.Executor.Allow) == 0 {
			return fmt.Errorf("executor: localexec requires a non-empty allow list")
		}
	default:
		return fmt.Errorf("invalid executor kind %q, must be: llm or localexec", c.Executor.Kind)
	}

	return nil
}
