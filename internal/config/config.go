package config

import (
	"fmt"
	"time"
)

// Config represents the main loom configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path exposed to the model's file tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Session lifecycle
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Model executor
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// SessionConfig holds per-session lifecycle settings
type SessionConfig struct {
	TTLHours               int `json:"ttl_hours" mapstructure:"ttl_hours"`
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
}

// TTL returns the session time-to-live as a duration.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ApprovalTimeout returns the approval wait limit as a duration.
func (c SessionConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// ExecutorConfig holds model executor settings
type ExecutorConfig struct {
	APIKey            string  `json:"api_key" mapstructure:"api_key"`
	Model             string  `json:"model" mapstructure:"model"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok" mapstructure:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok" mapstructure:"output_cost_per_mtok"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			TTLHours:               6,
			ApprovalTimeoutSeconds: 300,
		},
		Store: StoreConfig{
			SweepSchedule: "@every 10m",
		},
		Executor: ExecutorConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Gateway: GatewayConfig{
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session ttl_hours must be positive, got %d", c.Session.TTLHours)
	}
	if c.Session.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("session approval_timeout_seconds must be positive, got %d", c.Session.ApprovalTimeoutSeconds)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Executor.Model == "" {
		return fmt.Errorf("executor model is required")
	}
	if c.Executor.MaxTokens <= 0 {
		return fmt.Errorf("executor max_tokens must be positive, got %d", c.Executor.MaxTokens)
	}
	return nil
}
