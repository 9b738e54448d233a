// Package config loads bridge configuration from an optional YAML file
// with environment-variable overrides on top. Environment always wins so
// deployments can flip kill-switches without touching the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all bridge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Socket + HTTP surface
	Server ServerConfig `yaml:"server"`

	// Upstream coding-assistant subprocess
	Agent AgentConfig `yaml:"agent"`

	// Message interception / context assembly
	Intercept InterceptConfig `yaml:"intercept"`

	// Tool request correlation
	ToolDispatch ToolDispatchConfig `yaml:"tool_dispatch"`

	// Autonomous work-item dispatch
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the listener and connection liveness.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	PingInterval    string   `yaml:"ping_interval"`    // liveness probe period
	AllowedOrigins  []string `yaml:"allowed_origins"`  // empty = same-host only
	MaxConnections  int      `yaml:"max_connections"`  // listener-level cap
	ShutdownTimeout string   `yaml:"shutdown_timeout"` // graceful drain window
}

// AgentConfig configures the upstream subprocess command line.
type AgentConfig struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	WorkingDirectory string   `yaml:"working_directory"`
}

// InterceptConfig configures the enrichment stage of the handler chain.
type InterceptConfig struct {
	Disabled      bool   `yaml:"disabled"`
	TotalBudget   int    `yaml:"total_budget"`   // global token ceiling per assembly
	TriageTimeout string `yaml:"triage_timeout"` // budget for the blocking triage call
}

// ToolDispatchConfig configures request/response correlation.
type ToolDispatchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DispatchConfig configures the autonomous dispatch pipeline.
type DispatchConfig struct {
	Disabled              bool     `yaml:"disabled"`
	MaxConcurrent         int      `yaml:"max_concurrent"`
	MaxPerHour            int      `yaml:"max_per_hour"`
	WorkspaceRoot         string   `yaml:"workspace_root"`
	RepoPath              string   `yaml:"repo_path"`
	RulesFile             string   `yaml:"rules_file"`
	InstallCommand        []string `yaml:"install_command"`
	DefaultModel          string   `yaml:"default_model"`
	DefaultMaxTurns       int      `yaml:"default_max_turns"`
	DefaultTimeoutSeconds int      `yaml:"default_timeout_seconds"`
	GracePeriod           string   `yaml:"grace_period"` // terminal sessions linger this long for stats
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Name:    "bridge",
		Version: "1.0.0",

		Server: ServerConfig{
			Port:            3456,
			PingInterval:    "30s",
			MaxConnections:  64,
			ShutdownTimeout: "10s",
		},

		Agent: AgentConfig{
			Command: "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
			},
		},

		Intercept: InterceptConfig{
			TotalBudget:   4000,
			TriageTimeout: "15s",
		},

		ToolDispatch: ToolDispatchConfig{
			TimeoutSeconds: 30,
		},

		Dispatch: DispatchConfig{
			MaxConcurrent:         2,
			MaxPerHour:            6,
			WorkspaceRoot:         filepath.Join(home, ".bridge", "workspaces"),
			RepoPath:              ".",
			InstallCommand:        []string{"npm", "install"},
			DefaultModel:          "sonnet",
			DefaultMaxTurns:       30,
			DefaultTimeoutSeconds: 900,
			GracePeriod:           "5m",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path (empty path = defaults only), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("BRIDGE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
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

// applyEnvOverrides applies environment variable overrides. Unset or
// malformed values leave the current setting untouched.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_AGENT_CMD"); v != "" {
		c.Agent.Command = v
	}
	if v := os.Getenv("BRIDGE_INTERCEPT_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Intercept.Disabled = b
		}
	}
	if v := os.Getenv("BRIDGE_DISPATCH_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dispatch.Disabled = b
		}
	}
	if v := os.Getenv("BRIDGE_DISPATCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.MaxConcurrent = n
		}
	}
	if v := os.Getenv("BRIDGE_DISPATCH_MAX_HOURLY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.MaxPerHour = n
		}
	}
	if v := os.Getenv("BRIDGE_TOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ToolDispatch.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("BRIDGE_WORKSPACE_ROOT"); v != "" {
		c.Dispatch.WorkspaceRoot = v
	}
	if v := os.Getenv("BRIDGE_REPO_PATH"); v != "" {
		c.Dispatch.RepoPath = v
	}
	if v := os.Getenv("BRIDGE_RULES_FILE"); v != "" {
		c.Dispatch.RulesFile = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	if c.Intercept.TotalBudget <= 0 {
		return fmt.Errorf("intercept.total_budget must be positive, got %d", c.Intercept.TotalBudget)
	}
	if c.ToolDispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("tool_dispatch.timeout_seconds must be positive, got %d", c.ToolDispatch.TimeoutSeconds)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be positive, got %d", c.Dispatch.MaxConcurrent)
	}
	if c.Dispatch.MaxPerHour <= 0 {
		return fmt.Errorf("dispatch.max_per_hour must be positive, got %d", c.Dispatch.MaxPerHour)
	}
	if c.Dispatch.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.default_timeout_seconds must be positive, got %d", c.Dispatch.DefaultTimeoutSeconds)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug/info/warn/error", c.Logging.Level)
	}
	return nil
}

// GetPingInterval returns the liveness probe period as a duration.
func (c *Config) GetPingInterval() time.Duration {
	d, err := time.ParseDuration(c.Server.PingInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown window as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetTriageTimeout returns the triage call budget as a duration.
func (c *Config) GetTriageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Intercept.TriageTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetToolTimeout returns the tool-dispatch correlation timeout.
func (c *Config) GetToolTimeout() time.Duration {
	return time.Duration(c.ToolDispatch.TimeoutSeconds) * time.Second
}

// GetDispatchGracePeriod returns how long terminal sessions stay visible
// to the statistics endpoint.
func (c *Config) GetDispatchGracePeriod() time.Duration {
	return c.Dispatch.GetGracePeriod()
}

// GetGracePeriod returns the bookkeeping retention for terminal sessions.
func (d DispatchConfig) GetGracePeriod() time.Duration {
	dur, err := time.ParseDuration(d.GracePeriod)
	if err != nil {
		return 5 * time.Minute
	}
	return dur
}

// GetDefaultSessionTimeout returns the wall-clock budget for one session.
func (d DispatchConfig) GetDefaultSessionTimeout() time.Duration {
	return time.Duration(d.DefaultTimeoutSeconds) * time.Second
}
