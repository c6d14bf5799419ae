// Package config loads the runtime configuration from YAML with environment
// variable expansion. All sections have working defaults; an empty file is a
// valid configuration for a provider key supplied via the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/strand/internal/agent"
	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/permissions"
)

// Config is the root configuration.
type Config struct {
	Provider    ProviderConfig     `yaml:"provider"`
	Run         agent.LoopConfig   `yaml:"run"`
	Permissions permissions.Config `yaml:"permissions"`
	Context     ContextConfig      `yaml:"context"`
	Tools       ToolsConfig        `yaml:"tools"`
	Sessions    SessionsConfig     `yaml:"sessions"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Name is anthropic or openai.
	Name string `yaml:"name"`

	// APIKey falls back to the provider's conventional environment variable
	// (ANTHROPIC_API_KEY, OPENAI_API_KEY) when empty.
	APIKey string `yaml:"api_key"`

	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig tunes the provider retry wrapper.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// ContextConfig tunes the context manager.
type ContextConfig struct {
	Budget agentctx.Budget `yaml:"budget"`

	// Strategy is default_rolling or algorithmic_tool_offload.
	Strategy string `yaml:"strategy"`

	Options agentctx.StrategyOptions `yaml:"options"`
}

// AgentContext converts to the context manager's config.
func (c ContextConfig) AgentContext() agentctx.Config {
	return agentctx.Config{
		Budget:          c.Budget,
		Strategy:        c.Strategy,
		StrategyOptions: c.Options,
	}
}

// ToolsConfig tunes the tool execution pipeline.
type ToolsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxParallel    int           `yaml:"max_parallel"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	// Backend is memory or file. Empty disables persistence.
	Backend string `yaml:"backend"`

	// Dir is the file backend's root directory.
	Dir string `yaml:"dir"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "anthropic",
			Retry: RetryConfig{
				MaxAttempts:   3,
				MaxRetryAfter: 30 * time.Second,
			},
		},
		Run: agent.DefaultLoopConfig(),
		Context: ContextConfig{
			Budget:   agentctx.DefaultBudget(),
			Strategy: agentctx.StrategyDefaultRolling,
		},
		Sessions: SessionsConfig{Backend: "file", Dir: defaultSessionDir()},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Metrics:  MetricsConfig{Listen: ":9464"},
	}
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".strand/sessions"
	}
	return home + "/.strand/sessions"
}

// Load reads, env-expands, and parses a configuration file, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes. ${VAR} references are expanded from the
// environment before unmarshaling.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = envKeyFor(cfg.Provider.Name)
	}
	if cfg.Provider.Retry.MaxAttempts <= 0 {
		cfg.Provider.Retry.MaxAttempts = 3
	}
	if cfg.Provider.Retry.MaxRetryAfter <= 0 {
		cfg.Provider.Retry.MaxRetryAfter = 30 * time.Second
	}
	if cfg.Context.Strategy == "" {
		cfg.Context.Strategy = agentctx.StrategyDefaultRolling
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9464"
	}
}

func envKeyFor(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// Validate rejects configurations that cannot produce a working runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider.Name) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	switch c.Sessions.Backend {
	case "", "memory", "file":
	default:
		return fmt.Errorf("unknown session backend %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend == "file" && c.Sessions.Dir == "" {
		return fmt.Errorf("sessions.dir is required for the file backend")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
