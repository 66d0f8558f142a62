// Package config is the root configuration for lace: JSON5 file plus
// LACE_* environment overrides. Secrets (API keys, DSNs) never persist
// to the config file; they come from the environment only.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `json:"database"`
	Providers   ProvidersConfig   `json:"providers"`
	Agents      AgentsConfig      `json:"agents"`
	Budget      BudgetConfig      `json:"budget"`
	Compaction  CompactionConfig  `json:"compaction"`
	Tools       ToolsConfig       `json:"tools"`
	Gateway     GatewayConfig     `json:"gateway,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// MCP maps server name to connection settings. Tools discovered on
	// each server join the registry under the server's prefix.
	MCP map[string]MCPServerConfig `json:"mcp,omitempty"`
}

// MCPServerConfig describes one Model Context Protocol server.
type MCPServerConfig struct {
	// Transport is "stdio", "sse", or "streamable-http".
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"` // stdio
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"` // sse, streamable-http
	Headers   map[string]string `json:"headers,omitempty"`
	// ToolPrefix defaults to the server name.
	ToolPrefix string `json:"tool_prefix,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

// DatabaseConfig selects the persistence backend. PostgresDSN is a
// secret and comes from env LACE_POSTGRES_DSN only.
type DatabaseConfig struct {
	// Backend is "sqlite" (default), "postgres", or "memory".
	Backend     string `json:"backend,omitempty"`
	Path        string `json:"path,omitempty"` // sqlite file path
	PostgresDSN string `json:"-"`
}

// ProviderConfig is one model provider's settings. APIKey comes from
// env only.
type ProviderConfig struct {
	APIKey    string  `json:"-"`
	BaseURL   string  `json:"base_url,omitempty"`
	Model     string  `json:"model,omitempty"`
	MaxTokens int     `json:"max_tokens,omitempty"`
	RateRPS   float64 `json:"rate_rps,omitempty"` // 0 disables client-side limiting
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// AgentsConfig holds the per-agent runtime defaults.
type AgentsConfig struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Workspace    string        `json:"workspace"`
	TurnTimeout  time.Duration `json:"turn_timeout,omitempty"`
	QueueCap     int           `json:"queue_cap,omitempty"`
	Stream       bool          `json:"stream"`
}

// BudgetConfig mirrors the token window policy.
type BudgetConfig struct {
	MaxTokens     int     `json:"max_tokens"`
	ReserveOutput int     `json:"reserve_output"`
	WarnRatio     float64 `json:"warn_ratio"`
}

type CompactionConfig struct {
	Strategy             string `json:"strategy"` // summarize or truncate
	PreserveTail         int    `json:"preserve_tail"`
	PreserveUserMessages bool   `json:"preserve_user_messages"`
}

// ToolsConfig shapes the executor.
type ToolsConfig struct {
	RestrictToWorkspace bool `json:"restrict_to_workspace"`
	// Approval is "auto" (default), "interactive", or "deny".
	Approval       string        `json:"approval,omitempty"`
	MaxParallel    int           `json:"max_parallel,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
	ShellTimeout   time.Duration `json:"shell_timeout,omitempty"`
	BreakerEnabled bool          `json:"breaker_enabled"`
}

// GatewayConfig configures the optional websocket activity feed.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	// Token guards the feed; from env LACE_GATEWAY_TOKEN only.
	Token string `json:"-"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MaintenanceConfig drives the background cron jobs.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// ShadowCleanupSchedule prunes superseded shadow threads.
	ShadowCleanupSchedule string `json:"shadow_cleanup_schedule,omitempty"`
	// KeepShadows is how many superseded versions survive a cleanup.
	KeepShadows int `json:"keep_shadows,omitempty"`
	// ArchiveSchedule hides long-completed agents.
	ArchiveSchedule string        `json:"archive_schedule,omitempty"`
	ArchiveAfter    time.Duration `json:"archive_after,omitempty"`
}
