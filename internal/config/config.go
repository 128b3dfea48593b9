// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.docgraph/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Embedding: embedder model, dimension, gateway retry/breaker knobs
//   - Sync: debounce window, chunk threshold
//   - Query: relevance thresholds and result caps, with per-tenant overrides (see tenants.go)
//   - Tracing: OTLP exporter settings
//
// Security: sensitive values (the database password) are never logged; the
// config directory uses 0750 permissions.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidEmbedderDimension indicates the configured vector dimension is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidDebounce indicates the debounce window is out of range.
	ErrInvalidDebounce = errors.New("invalid debounce window")

	// ErrInvalidChunkThreshold indicates the chunk line threshold is out of range.
	ErrInvalidChunkThreshold = errors.New("invalid chunk threshold")

	// ErrInvalidRelevance indicates a relevance threshold is outside [0, 1].
	ErrInvalidRelevance = errors.New("invalid relevance threshold")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the pgvector schema is provisioned at that width.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedderDimension is the vector width the schema is provisioned for.
	DefaultEmbedderDimension = 768

	// DefaultDebounceMs is the filesystem event settle window.
	DefaultDebounceMs = 500

	// DefaultChunkThresholdLines is the line count above which documents are
	// split at header boundaries.
	DefaultChunkThresholdLines = 500
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding configuration
	EmbedderModel     string          `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDimension int             `mapstructure:"embedder_dimension" json:"embedder_dimension"`
	Embedding         EmbeddingConfig `mapstructure:"embedding" json:"embedding"`

	// Sync configuration
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// Query defaults; per-tenant overrides in Tenants (see tenants.go)
	Query   QuerySettings             `mapstructure:"query" json:"query"`
	Tenants map[string]TenantOverride `mapstructure:"tenants" json:"tenants"`

	// Projects to activate in serve mode
	Projects []ProjectConfig `mapstructure:"projects" json:"projects"`

	// Tracing configuration (see tracing.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// EmbeddingConfig holds the gateway's resilience knobs.
type EmbeddingConfig struct {
	// TimeoutMs bounds every embedding call.
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeout_ms"`
	// MaxRetries is the retry budget per call before the breaker counts a failure.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"`
	// CooldownMs is how long the breaker stays open before a half-open probe.
	CooldownMs int `mapstructure:"cooldown_ms" json:"cooldown_ms"`
	// RequestsPerSecond rate-limits embedding calls; 0 disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

// SyncConfig holds file synchronization settings.
type SyncConfig struct {
	// DebounceMs is the event settle window per watched root.
	DebounceMs int `mapstructure:"debounce_ms" json:"debounce_ms"`
	// ChunkThresholdLines is the single-chunk line limit.
	ChunkThresholdLines int `mapstructure:"chunk_threshold_lines" json:"chunk_threshold_lines"`
}

// ProjectConfig names a documentation root to activate at startup.
type ProjectConfig struct {
	Name   string `mapstructure:"name" json:"name"`
	Branch string `mapstructure:"branch" json:"branch"`
	Root   string `mapstructure:"root" json:"root"`
}

// TracingConfig holds OTLP trace exporter settings.
// Traces are sent to a local agent via OTLP HTTP; see internal/observability.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	AgentHost   string `mapstructure:"agent_host" json:"agent_host"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	configDir := os.Getenv("DOCGRAPH_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(home, ".docgraph")
	}

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes priority over individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "docgraph")
	v.SetDefault("postgres_password", "docgraph_dev_password")
	v.SetDefault("postgres_db_name", "docgraph")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Embedding defaults
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", DefaultEmbedderDimension)
	v.SetDefault("embedding.timeout_ms", 30000)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.failure_threshold", 5)
	v.SetDefault("embedding.cooldown_ms", 30000)
	v.SetDefault("embedding.requests_per_second", 0)

	// Sync defaults
	v.SetDefault("sync.debounce_ms", DefaultDebounceMs)
	v.SetDefault("sync.chunk_threshold_lines", DefaultChunkThresholdLines)

	// Query defaults (see tenants.go for the per-mode semantics)
	v.SetDefault("query.min_relevance_rag", DefaultMinRelevanceRAG)
	v.SetDefault("query.min_relevance_search", DefaultMinRelevanceSearch)
	v.SetDefault("query.max_results", DefaultMaxResults)
	v.SetDefault("query.max_linked_docs", DefaultMaxLinkedDocs)
	v.SetDefault("query.link_max_depth", DefaultLinkMaxDepth)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.agent_host", "localhost:4318")
	v.SetDefault("tracing.environment", "dev")
	v.SetDefault("tracing.service_name", "docgraph")
}

// bindEnvVariables binds runtime overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("log_level", "DOCGRAPH_LOG_LEVEL")
	mustBind("postgres_password", "DOCGRAPH_POSTGRES_PASSWORD")
	mustBind("embedder_model", "DOCGRAPH_EMBEDDER_MODEL")
	mustBind("embedder_dimension", "DOCGRAPH_EMBEDDER_DIMENSION")
	mustBind("tracing.enabled", "DOCGRAPH_TRACING_ENABLED")
	mustBind("tracing.agent_host", "DOCGRAPH_TRACING_AGENT_HOST")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matches against real secret characters.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked; longer secrets keep the
// first and last two characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
