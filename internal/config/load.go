package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    "~/.lace/lace.db",
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-5", MaxTokens: 8192},
			OpenAI:    ProviderConfig{Model: "gpt-4o", MaxTokens: 8192},
		},
		Agents: AgentsConfig{
			Provider:    "anthropic",
			Workspace:   "~/.lace/workspace",
			TurnTimeout: 5 * time.Minute,
			QueueCap:    100,
			Stream:      true,
		},
		Budget: BudgetConfig{
			MaxTokens:     200_000,
			ReserveOutput: 8_192,
			WarnRatio:     0.8,
		},
		Compaction: CompactionConfig{
			Strategy:             "summarize",
			PreserveTail:         4,
			PreserveUserMessages: true,
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
			Approval:            "auto",
			MaxParallel:         4,
			MaxRetries:          3,
			ShellTimeout:        2 * time.Minute,
			BreakerEnabled:      true,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18310,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "lace",
		},
		Maintenance: MaintenanceConfig{
			ShadowCleanupSchedule: "0 * * * *",
			KeepShadows:           2,
			ArchiveSchedule:       "30 3 * * *",
			ArchiveAfter:          24 * time.Hour,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; you get the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only ever arrive this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LACE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("LACE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("LACE_OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)

	envStr("LACE_DB_BACKEND", &c.Database.Backend)
	envStr("LACE_DB_PATH", &c.Database.Path)
	envStr("LACE_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && os.Getenv("LACE_DB_BACKEND") == "" {
		c.Database.Backend = "postgres"
	}

	envStr("LACE_PROVIDER", &c.Agents.Provider)
	envStr("LACE_MODEL", &c.Agents.Model)
	envStr("LACE_WORKSPACE", &c.Agents.Workspace)

	envStr("LACE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("LACE_GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("LACE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("LACE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LACE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("LACE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("LACE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LACE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Workspace)
}

// DatabasePath returns the expanded sqlite path.
func (c *Config) DatabasePath() string {
	return ExpandHome(c.Database.Path)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
