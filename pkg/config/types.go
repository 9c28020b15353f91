// Package config loads and validates the coordinator's configuration: the
// agent roster, the gate/flow/scheduler/self-drive/session thresholds, and
// the ambient server/logger/rate-limiting settings. Config-first, in the
// sense that every durable default lives in SetDefaults rather than being
// hardcoded at call sites — callers read a *Config, never an env var.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	// Version of the config schema.
	Version string `yaml:"version,omitempty"`

	// Name identifies this deployment (for logging/display).
	Name string `yaml:"name,omitempty"`

	// WorkspaceDir is the root the embedded agent driver operates under.
	WorkspaceDir string `yaml:"workspace_dir,omitempty"`

	// StateDir holds the durable JSON stores (tasks, a2a jobs, sessions,
	// conversation index).
	StateDir string `yaml:"state_dir,omitempty"`

	// Agents is the known agent roster. An agent not listed here cannot
	// be reached by the scheduler or the A2A flow.
	Agents []AgentRosterEntry `yaml:"agents,omitempty"`

	Gate      GateConfig      `yaml:"gate,omitempty"`
	Flow      FlowConfig      `yaml:"flow,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	SelfDrive SelfDriveConfig `yaml:"self_drive,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	Logger    LoggerConfig    `yaml:"logger,omitempty"`

	// RateLimiting configures per-session/user request throttling.
	RateLimiting *RateLimitConfig `yaml:"rate_limiting,omitempty"`
}

// AgentRosterEntry names one known agent and any per-agent overrides.
type AgentRosterEntry struct {
	// ID is the agent's identifier, as it appears in session keys
	// ("agent:<id>:...").
	ID string `yaml:"id"`

	// DisplayName is a human label for logs and announce messages.
	DisplayName string `yaml:"display_name,omitempty"`

	// MaxConcurrentFlows overrides Gate.DefaultMaxConcurrentFlows for
	// this agent. Zero means "use the default".
	MaxConcurrentFlows int `yaml:"max_concurrent_flows,omitempty"`
}

// Validate checks a roster entry.
func (e *AgentRosterEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("agents[].id is required")
	}
	if e.MaxConcurrentFlows < 0 {
		return fmt.Errorf("agents[%s].max_concurrent_flows cannot be negative", e.ID)
	}
	return nil
}

// GateConfig parametrizes the A2A concurrency gate (C7).
type GateConfig struct {
	// DefaultMaxConcurrentFlows bounds simultaneous A2A flows per agent,
	// absent a per-agent override.
	DefaultMaxConcurrentFlows int `yaml:"default_max_concurrent_flows,omitempty"`

	// QueueTimeoutMs bounds how long a flow waits for a gate permit.
	QueueTimeoutMs int `yaml:"queue_timeout_ms,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *GateConfig) SetDefaults() {
	if c.DefaultMaxConcurrentFlows == 0 {
		c.DefaultMaxConcurrentFlows = 3
	}
	if c.QueueTimeoutMs == 0 {
		c.QueueTimeoutMs = 30_000
	}
}

// Validate checks the gate config.
func (c *GateConfig) Validate() error {
	if c.DefaultMaxConcurrentFlows <= 0 {
		return fmt.Errorf("gate.default_max_concurrent_flows must be positive")
	}
	if c.QueueTimeoutMs <= 0 {
		return fmt.Errorf("gate.queue_timeout_ms must be positive")
	}
	return nil
}

// FlowConfig parametrizes the A2A flow state machine (C8).
type FlowConfig struct {
	// DefaultMaxPingPongTurns bounds the ping-pong exchange absent an
	// intent-derived override.
	DefaultMaxPingPongTurns int `yaml:"default_max_ping_pong_turns,omitempty"`

	// DefaultAnnounceTimeoutMs bounds the announce step's final-reply wait.
	DefaultAnnounceTimeoutMs int `yaml:"default_announce_timeout_ms,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *FlowConfig) SetDefaults() {
	if c.DefaultMaxPingPongTurns == 0 {
		c.DefaultMaxPingPongTurns = 3
	}
	if c.DefaultAnnounceTimeoutMs == 0 {
		c.DefaultAnnounceTimeoutMs = 60_000
	}
}

// Validate checks the flow config.
func (c *FlowConfig) Validate() error {
	if c.DefaultMaxPingPongTurns < 0 {
		return fmt.Errorf("flow.default_max_ping_pong_turns cannot be negative")
	}
	if c.DefaultAnnounceTimeoutMs <= 0 {
		return fmt.Errorf("flow.default_announce_timeout_ms must be positive")
	}
	return nil
}

// SchedulerConfig parametrizes the continuation scheduler's Runner (C11).
type SchedulerConfig struct {
	// CheckIntervalMs is the clock-aligned tick period.
	CheckIntervalMs int `yaml:"check_interval_ms,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *SchedulerConfig) SetDefaults() {
	if c.CheckIntervalMs == 0 {
		c.CheckIntervalMs = 120_000
	}
}

// Validate checks the scheduler config.
func (c *SchedulerConfig) Validate() error {
	if c.CheckIntervalMs <= 0 {
		return fmt.Errorf("scheduler.check_interval_ms must be positive")
	}
	return nil
}

// SelfDriveConfig parametrizes the SelfDrivingLoop (C12).
type SelfDriveConfig struct {
	SelfDrivingDelayMs       int `yaml:"self_driving_delay_ms,omitempty"`
	MaxSameStepCount         int `yaml:"max_same_step_count,omitempty"`
	MaxZeroProgressCount     int `yaml:"max_zero_progress_count,omitempty"`
	MaxConsecutiveSelfDrives int `yaml:"max_consecutive_self_drives,omitempty"`
	MaxStepDefinitionPrompts int `yaml:"max_step_definition_prompts,omitempty"`
	CooldownMs               int `yaml:"cooldown_ms,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *SelfDriveConfig) SetDefaults() {
	if c.SelfDrivingDelayMs == 0 {
		c.SelfDrivingDelayMs = 500
	}
	if c.MaxSameStepCount == 0 {
		c.MaxSameStepCount = 3
	}
	if c.MaxZeroProgressCount == 0 {
		c.MaxZeroProgressCount = 5
	}
	if c.MaxConsecutiveSelfDrives == 0 {
		c.MaxConsecutiveSelfDrives = 50
	}
	if c.MaxStepDefinitionPrompts == 0 {
		c.MaxStepDefinitionPrompts = 3
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = 60_000
	}
}

// Validate checks the self-drive config.
func (c *SelfDriveConfig) Validate() error {
	if c.SelfDrivingDelayMs <= 0 {
		return fmt.Errorf("self_drive.self_driving_delay_ms must be positive")
	}
	if c.MaxSameStepCount <= 0 || c.MaxZeroProgressCount <= 0 || c.MaxConsecutiveSelfDrives <= 0 {
		return fmt.Errorf("self_drive thresholds must be positive")
	}
	return nil
}

// SessionConfig parametrizes the SessionReaper's TTL and cap sweeps (C13).
type SessionConfig struct {
	RetentionMs    int `yaml:"retention_ms,omitempty"`
	A2ATTLMs       int `yaml:"a2a_ttl_ms,omitempty"`
	MaxPerAgent    int `yaml:"max_per_agent,omitempty"`
	MinSweepPeriod int `yaml:"min_sweep_period_ms,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *SessionConfig) SetDefaults() {
	if c.RetentionMs == 0 {
		c.RetentionMs = int(24 * time.Hour / time.Millisecond)
	}
	if c.A2ATTLMs == 0 {
		c.A2ATTLMs = int(time.Hour / time.Millisecond)
	}
	if c.MaxPerAgent == 0 {
		c.MaxPerAgent = 16
	}
	if c.MinSweepPeriod == 0 {
		c.MinSweepPeriod = int(5 * time.Minute / time.Millisecond)
	}
}

// Validate checks the session config.
func (c *SessionConfig) Validate() error {
	if c.RetentionMs <= 0 || c.A2ATTLMs <= 0 {
		return fmt.Errorf("session.retention_ms and session.a2a_ttl_ms must be positive")
	}
	if c.MaxPerAgent <= 0 {
		return fmt.Errorf("session.max_per_agent must be positive")
	}
	return nil
}

// ServerConfig configures the health/metrics/debug HTTP server.
type ServerConfig struct {
	Port       int    `yaml:"port,omitempty"`
	HealthPath string `yaml:"health_path,omitempty"`
	MetricPath string `yaml:"metric_path,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
	if c.MetricPath == "" {
		c.MetricPath = "/metrics"
	}
}

// Validate checks the server config.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// Address returns the listen address derived from Port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies the documented defaults.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// Validate checks the logger config.
func (c *LoggerConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level '%s' must be one of debug, info, warn, error", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logger.format '%s' must be json or text", c.Format)
	}
	return nil
}

// SetDefaults applies defaults across the whole config tree, then
// sub-defaults for each section.
func (c *Config) SetDefaults() {
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "."
	}
	if c.StateDir == "" {
		c.StateDir = ".coordinator/state"
	}
	c.Gate.SetDefaults()
	c.Flow.SetDefaults()
	c.Scheduler.SetDefaults()
	c.SelfDrive.SetDefaults()
	c.Session.SetDefaults()
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	if c.RateLimiting != nil {
		c.RateLimiting.SetDefaults()
	}
}

// Validate checks the whole config tree for structural errors.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		if err := c.Agents[i].Validate(); err != nil {
			return err
		}
		if seen[c.Agents[i].ID] {
			return fmt.Errorf("duplicate agent id '%s'", c.Agents[i].ID)
		}
		seen[c.Agents[i].ID] = true
	}
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if err := c.Flow.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.SelfDrive.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if c.RateLimiting != nil {
		if err := c.RateLimiting.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MaxConcurrentFlows implements driver.Config: a per-agent roster
// override if set, else Gate.DefaultMaxConcurrentFlows.
func (c *Config) MaxConcurrentFlows(agentID string) int {
	for i := range c.Agents {
		if c.Agents[i].ID == agentID && c.Agents[i].MaxConcurrentFlows > 0 {
			return c.Agents[i].MaxConcurrentFlows
		}
	}
	return c.Gate.DefaultMaxConcurrentFlows
}

// GateQueueTimeout implements driver.Config.
func (c *Config) GateQueueTimeout() time.Duration {
	return time.Duration(c.Gate.QueueTimeoutMs) * time.Millisecond
}

// DefaultMaxPingPongTurns implements driver.Config.
func (c *Config) DefaultMaxPingPongTurns() int {
	return c.Flow.DefaultMaxPingPongTurns
}

// DefaultAnnounceTimeout implements driver.Config.
func (c *Config) DefaultAnnounceTimeout() time.Duration {
	return time.Duration(c.Flow.DefaultAnnounceTimeoutMs) * time.Millisecond
}

// CheckInterval implements driver.Config.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Scheduler.CheckIntervalMs) * time.Millisecond
}

// KnownAgentIDs implements driver.Config.
func (c *Config) KnownAgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i := range c.Agents {
		ids[i] = c.Agents[i].ID
	}
	return ids
}

// BoolPtr returns a pointer to b, for optional-bool config fields.
func BoolPtr(b bool) *bool {
	return &b
}
