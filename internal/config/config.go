// Package config loads the lattice YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for lattice.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Routing   RoutingConfig   `yaml:"model_routing"`
	Providers ProvidersConfig `yaml:"providers"`
	Safety    SafetyConfig    `yaml:"safety_gate"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Audit     AuditConfig     `yaml:"audit"`
	Memory    MemoryConfig    `yaml:"memory"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Skills    SkillsConfig    `yaml:"skills"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type GatewayConfig struct {
	Bind           string     `yaml:"bind"`
	Port           int        `yaml:"port"`
	Auth           AuthConfig `yaml:"auth"`
	TickIntervalMs int        `yaml:"tickIntervalMs"`
	Drain          bool       `yaml:"drain"`
}

// AuthConfig selects the shared-secret scheme. Mode is "token" or
// "password"; both compare the same secret, the mode only names how it was
// provisioned.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

type RoutingConfig struct {
	Tier1Reasoning      TierConfig       `yaml:"tier_1_reasoning"`
	Tier2Action         TierConfig       `yaml:"tier_2_action"`
	Classifier          ClassifierConfig `yaml:"complexity_classifier"`
	ComplexityThreshold int              `yaml:"complexity_threshold"`
	MaxIterations       int              `yaml:"max_iterations"`
}

// TierConfig sets the model and call parameters for one routing tier.
type TierConfig struct {
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	Fallback    []string `yaml:"fallback"`
}

type ClassifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type SafetyConfig struct {
	Enabled              bool            `yaml:"enabled"`
	ConfirmationRequired map[string]bool `yaml:"confirmation_required"`
}

type ApprovalsConfig struct {
	Path  string `yaml:"path"`
	Shell string `yaml:"shell"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
	Buffer  int    `yaml:"buffer"`
}

type MemoryConfig struct {
	Path string `yaml:"path"`
}

type WorkspaceConfig struct {
	Root      string `yaml:"root"`
	AllowHome bool   `yaml:"allow_home"`
}

type SkillsConfig struct {
	PromptFile string `yaml:"prompt_file"`
	Version    string `yaml:"version"`
}

type HeartbeatConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

type AgentConfig struct {
	BasePrompt   string `yaml:"base_prompt"`
	Bootstrap    string `yaml:"bootstrap"`
	HistoryLimit int    `yaml:"history_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// TickInterval returns the advertised tick interval.
func (c GatewayConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8787
	}
	if cfg.Gateway.TickIntervalMs == 0 {
		cfg.Gateway.TickIntervalMs = 30000
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Routing.Tier2Action.Model == "" {
		cfg.Routing.Tier2Action.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Routing.Tier2Action.MaxTokens == 0 {
		cfg.Routing.Tier2Action.MaxTokens = 4096
	}
	if cfg.Routing.Tier1Reasoning.Model == "" {
		cfg.Routing.Tier1Reasoning = cfg.Routing.Tier2Action
	}
	if cfg.Routing.Tier1Reasoning.MaxTokens == 0 {
		cfg.Routing.Tier1Reasoning.MaxTokens = cfg.Routing.Tier2Action.MaxTokens
	}
	if cfg.Routing.ComplexityThreshold == 0 {
		cfg.Routing.ComplexityThreshold = 4
	}
	if cfg.Routing.MaxIterations == 0 {
		cfg.Routing.MaxIterations = 10
	}
	if cfg.Approvals.Path == "" {
		cfg.Approvals.Path = "approvals.json"
	}
	if cfg.Approvals.Shell == "" {
		cfg.Approvals.Shell = "/bin/sh"
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "memory.db"
	}
	if cfg.Workspace.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace.Root = wd
		} else {
			cfg.Workspace.Root = "."
		}
	}
	if cfg.Heartbeat.IntervalMinutes == 0 {
		cfg.Heartbeat.IntervalMinutes = 30
	}
	if cfg.Agent.BasePrompt == "" {
		cfg.Agent.BasePrompt = "You are lattice, a local operations assistant with access to tools."
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
