// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.engram/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: backend selection, local paths, strict mode
//   - Embedding: provider and model for local backends
//   - Cloudflare: managed backend credentials (see storage.go)
//   - Postgres: pgvector backend connection (see storage.go)
//   - RateLimit: write-side rate limiting
//   - HTTP: REST and MCP server binding
//
// Sensitive data (tokens, passwords) is never logged; config directory
// uses 0750 permissions. Validation lives in validation.go with sentinel
// errors for errors.Is() checks.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Backend identifiers used in Config.Backend.
const (
	BackendSqliteVec  = "sqlite_vec"
	BackendChromem    = "chromem"
	BackendCloudflare = "cloudflare"
	BackendPgvector   = "pgvector"
	BackendHybrid     = "hybrid"
)

// Embedding provider identifiers used in Config.EmbeddingProvider.
const (
	ProviderOllama   = "ollama"
	ProviderGoogleAI = "googleai"
)

// DefaultEmbedderModel is the embedding model used when none is
// configured. all-MiniLM-L6-v2 outputs 384 dimensions.
const DefaultEmbedderModel = "all-MiniLM-L6-v2"

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update
// MarshalJSON.
type Config struct {
	// Storage configuration
	Backend    string `mapstructure:"backend" json:"backend"` // "sqlite_vec" (default), "chromem", "cloudflare", "pgvector", "hybrid"
	Strict     bool   `mapstructure:"strict" json:"strict"`   // Fail startup instead of falling back to another backend
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path"`
	ChromaDir  string `mapstructure:"chromem_dir" json:"chromem_dir"`
	BackupDir  string `mapstructure:"backup_dir" json:"backup_dir"`

	// Embedding configuration (local backends)
	EmbeddingProvider string `mapstructure:"embedding_provider" json:"embedding_provider"` // "ollama" (default), "googleai"
	EmbedderModel     string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost        string `mapstructure:"ollama_host" json:"ollama_host"`
	EmbedCacheBytes   int64  `mapstructure:"embed_cache_bytes" json:"embed_cache_bytes"`

	// Cloudflare configuration (see storage.go for documentation)
	CloudflareAccountID             string `mapstructure:"cloudflare_account_id" json:"cloudflare_account_id"`
	CloudflareAPIToken              string `mapstructure:"cloudflare_api_token" json:"cloudflare_api_token"` // SENSITIVE: masked in MarshalJSON
	CloudflareVectorize             string `mapstructure:"cloudflare_vectorize_index" json:"cloudflare_vectorize_index"`
	CloudflareD1Database            string `mapstructure:"cloudflare_d1_database" json:"cloudflare_d1_database"`
	CloudflareR2Bucket              string `mapstructure:"cloudflare_r2_bucket" json:"cloudflare_r2_bucket"`
	CloudflareLargeContentThreshold int    `mapstructure:"cloudflare_large_content_threshold" json:"cloudflare_large_content_threshold"`
	CloudflareMaxRetries            int    `mapstructure:"cloudflare_max_retries" json:"cloudflare_max_retries"`
	CloudflareBaseDelayMS           int    `mapstructure:"cloudflare_base_delay_ms" json:"cloudflare_base_delay_ms"`

	// Hybrid backend sync tuning
	HybridSyncIntervalSeconds float64 `mapstructure:"hybrid_sync_interval_seconds" json:"hybrid_sync_interval_seconds"`
	HybridBatchSize           int     `mapstructure:"hybrid_batch_size" json:"hybrid_batch_size"`
	HybridMaxQueue            int     `mapstructure:"hybrid_max_queue" json:"hybrid_max_queue"`

	// PostgreSQL configuration (pgvector backend)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
	PostgresEnabled  bool   `mapstructure:"postgres_enabled" json:"postgres_enabled"`

	// Rate limiting configuration
	RateMinIntervalSeconds float64 `mapstructure:"rate_min_interval_seconds" json:"rate_min_interval_seconds"`
	RateMaxPerHour         int     `mapstructure:"rate_max_per_hour" json:"rate_max_per_hour"`
	RateMaxPerDay          int     `mapstructure:"rate_max_per_day" json:"rate_max_per_day"`
	RateMaxContentLength   int     `mapstructure:"rate_max_content_length" json:"rate_max_content_length"`
	RateNoTruncate         bool    `mapstructure:"rate_no_truncate" json:"rate_no_truncate"`

	// HTTP server configuration
	HTTPHost    string   `mapstructure:"http_host" json:"http_host"`
	HTTPPort    int      `mapstructure:"http_port" json:"http_port"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level" json:"log_level"` // "debug", "info", "warn", "error"
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".engram")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v, configDir)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper, configDir string) {
	// Storage defaults
	v.SetDefault("backend", BackendSqliteVec)
	v.SetDefault("strict", false)
	v.SetDefault("sqlite_path", filepath.Join(configDir, "engram.db"))
	v.SetDefault("chromem_dir", filepath.Join(configDir, "chromem"))
	v.SetDefault("backup_dir", filepath.Join(configDir, "backups"))

	// Embedding defaults
	v.SetDefault("embedding_provider", ProviderOllama)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("embed_cache_bytes", 8<<20)

	// Cloudflare tuning defaults (credentials have no defaults)
	v.SetDefault("cloudflare_large_content_threshold", 8192)
	v.SetDefault("cloudflare_max_retries", 3)
	v.SetDefault("cloudflare_base_delay_ms", 500)

	// Hybrid sync defaults
	v.SetDefault("hybrid_sync_interval_seconds", 5.0)
	v.SetDefault("hybrid_batch_size", 32)
	v.SetDefault("hybrid_max_queue", 256)

	// PostgreSQL defaults
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "engram")
	v.SetDefault("postgres_db_name", "engram")
	v.SetDefault("postgres_ssl_mode", "disable")
	v.SetDefault("postgres_enabled", false)

	// Rate limiting defaults, matching the write-side limiter
	v.SetDefault("rate_min_interval_seconds", 30.0)
	v.SetDefault("rate_max_per_hour", 60)
	v.SetDefault("rate_max_per_day", 500)
	v.SetDefault("rate_max_content_length", 500)
	v.SetDefault("rate_no_truncate", false)

	// HTTP defaults
	v.SetDefault("http_host", "127.0.0.1")
	v.SetDefault("http_port", 8443)
	v.SetDefault("cors_origins", []string{})

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly. Secrets come
// only from the environment, never the config file on disk.
func bindEnvVariables(v *viper.Viper) {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("backend", "ENGRAM_STORAGE_BACKEND")
	mustBind("strict", "ENGRAM_STORAGE_STRICT")
	mustBind("sqlite_path", "ENGRAM_SQLITE_PATH")
	mustBind("chromem_dir", "ENGRAM_CHROMEM_DIR")
	mustBind("backup_dir", "ENGRAM_BACKUP_DIR")

	mustBind("embedding_provider", "ENGRAM_EMBEDDING_PROVIDER")
	mustBind("embedder_model", "ENGRAM_EMBEDDER_MODEL")
	mustBind("ollama_host", "ENGRAM_OLLAMA_HOST")

	mustBind("cloudflare_account_id", "CLOUDFLARE_ACCOUNT_ID")
	mustBind("cloudflare_api_token", "CLOUDFLARE_API_TOKEN")
	mustBind("cloudflare_vectorize_index", "CLOUDFLARE_VECTORIZE_INDEX")
	mustBind("cloudflare_d1_database", "CLOUDFLARE_D1_DATABASE")
	mustBind("cloudflare_r2_bucket", "CLOUDFLARE_R2_BUCKET")

	mustBind("postgres_enabled", "ENGRAM_POSTGRES_ENABLED")

	mustBind("rate_min_interval_seconds", "ENGRAM_RATE_MIN_INTERVAL_SECONDS")
	mustBind("rate_max_per_hour", "ENGRAM_RATE_MAX_PER_HOUR")
	mustBind("rate_max_per_day", "ENGRAM_RATE_MAX_PER_DAY")
	mustBind("rate_max_content_length", "ENGRAM_RATE_MAX_CONTENT_LENGTH")
	mustBind("rate_no_truncate", "ENGRAM_RATE_NO_TRUNCATE")

	mustBind("http_host", "ENGRAM_HTTP_HOST")
	mustBind("http_port", "ENGRAM_HTTP_PORT")
	mustBind("cors_origins", "ENGRAM_CORS_ORIGINS")

	mustBind("log_level", "ENGRAM_LOG_LEVEL")
	mustBind("log_json", "ENGRAM_LOG_JSON")

	// NOTE: GEMINI_API_KEY is read directly by the Genkit googlegenai
	// plugin, not via Viper. Validation checks its presence when the
	// googleai provider is selected.
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Shows first 2 and
// last 2 characters for secrets longer than 8 bytes; shorter secrets are
// fully masked to prevent substring matching.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking.
//
// Sensitive fields masked:
//   - CloudflareAPIToken
//   - PostgresPassword
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.CloudflareAPIToken = maskSecret(a.CloudflareAPIToken)
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

// HasCloudflareCredentials reports whether every field the cloudflare
// backend needs is set.
func (c *Config) HasCloudflareCredentials() bool {
	return c.CloudflareAccountID != "" &&
		c.CloudflareAPIToken != "" &&
		c.CloudflareVectorize != "" &&
		c.CloudflareD1Database != ""
}
