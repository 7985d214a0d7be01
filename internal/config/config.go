package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the agent engine.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Provider  ProviderConfig
	Security  SecurityConfig
	Cache     CacheConfig
	Jobs      JobsConfig
	Audit     AuditConfig
	Agents    AgentsConfig
	Tools     ToolsConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory
	// store (zero-configuration single-node mode).
	URL string
}

type ProviderConfig struct {
	ID       string
	APIKey   string
	Model    string
	Endpoint string

	// PriceFeedURL, when set, is polled for updated model prices so cost
	// estimates track the providers' published rates.
	PriceFeedURL string

	// PriceRefreshInterval is how often the feed is re-fetched.
	PriceRefreshInterval time.Duration
}

type SecurityConfig struct {
	ScanEnabled      bool
	AuthedPerMinute  int
	AnonPerMinute    int
	MaxMessageLength int
	// CustomRules holds operator-defined expr rules, one per line, in the
	// form "code|expression". Evaluated against {message, length}.
	CustomRules string
}

type CacheConfig struct {
	Enabled       bool
	TTL           time.Duration
	MinMessageLen int
}

type JobsConfig struct {
	// TerminalRetention is how long completed/failed/cancelled jobs are
	// kept before the janitor prunes them.
	TerminalRetention time.Duration
}

type AuditConfig struct {
	RetentionDays int
}

type AgentsConfig struct {
	// BundlesDir is scanned for agent bundle manifests.
	BundlesDir string

	// DefaultAgentID handles chat requests that name no agent.
	DefaultAgentID string
}

type ToolsConfig struct {
	// RepoRoot is the directory the file tools are confined to.
	RepoRoot string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PAGEFORGE_PORT", 8080),
		Version: envStr("PAGEFORGE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL: envStr("DATABASE_URL", ""),
		},
		Provider: ProviderConfig{
			ID:                   envStr("PAGEFORGE_PROVIDER", "openai"),
			APIKey:               envStr("PAGEFORGE_PROVIDER_API_KEY", ""),
			Model:                envStr("PAGEFORGE_PROVIDER_MODEL", "gpt-4o-mini"),
			Endpoint:             envStr("PAGEFORGE_PROVIDER_ENDPOINT", ""),
			PriceFeedURL:         envStr("PAGEFORGE_PRICE_FEED_URL", ""),
			PriceRefreshInterval: envDuration("PAGEFORGE_PRICE_REFRESH_INTERVAL", 12*time.Hour),
		},
		Security: SecurityConfig{
			ScanEnabled:      envBool("PAGEFORGE_SECURITY_SCAN", true),
			AuthedPerMinute:  envInt("PAGEFORGE_RATE_AUTHED", 30),
			AnonPerMinute:    envInt("PAGEFORGE_RATE_ANON", 10),
			MaxMessageLength: envInt("PAGEFORGE_MAX_MESSAGE_LENGTH", 8000),
			CustomRules:      envStr("PAGEFORGE_SECURITY_RULES", ""),
		},
		Cache: CacheConfig{
			Enabled:       envBool("PAGEFORGE_CACHE_ENABLED", true),
			TTL:           envDuration("PAGEFORGE_CACHE_TTL", time.Hour),
			MinMessageLen: envInt("PAGEFORGE_CACHE_MIN_LENGTH", 3),
		},
		Jobs: JobsConfig{
			TerminalRetention: envDuration("PAGEFORGE_JOB_RETENTION", 24*time.Hour),
		},
		Audit: AuditConfig{
			RetentionDays: envInt("PAGEFORGE_AUDIT_RETENTION_DAYS", 90),
		},
		Agents: AgentsConfig{
			BundlesDir:     envStr("PAGEFORGE_BUNDLES_DIR", "bundles"),
			DefaultAgentID: envStr("PAGEFORGE_DEFAULT_AGENT", "content-assistant"),
		},
		Tools: ToolsConfig{
			RepoRoot: envStr("PAGEFORGE_REPO_ROOT", "."),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "pageforge-agent-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
