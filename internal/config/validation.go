package config

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidBackend indicates the backend name is not recognized.
	ErrInvalidBackend = errors.New("invalid storage backend")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid embedding provider")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidRateLimit indicates a rate limit value is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidHTTPPort indicates the HTTP port is out of range.
	ErrInvalidHTTPPort = errors.New("invalid HTTP port")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// knownBackends are the backend names accepted without fallback warnings.
var knownBackends = map[string]bool{
	BackendSqliteVec:  true,
	BackendChromem:    true,
	BackendCloudflare: true,
	BackendPgvector:   true,
	BackendHybrid:     true,
}

// Validate checks the configuration for errors (fail-fast on startup).
//
// An unknown backend name is only an error in strict mode; otherwise
// backend resolution logs the fallback and uses the default.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.Strict && !knownBackends[c.Backend] {
		return fmt.Errorf("%w: %q (strict mode refuses fallback)", ErrInvalidBackend, c.Backend)
	}

	switch c.EmbeddingProvider {
	case ProviderOllama:
		// Reachability of the Ollama host is checked at startup, not here.
	case ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY is required for the googleai provider", ErrMissingAPIKey)
		}
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidProvider, c.EmbeddingProvider, ProviderOllama, ProviderGoogleAI)
	}

	if c.RateMinIntervalSeconds < 0 {
		return fmt.Errorf("%w: rate_min_interval_seconds must be >= 0, got %v",
			ErrInvalidRateLimit, c.RateMinIntervalSeconds)
	}
	if c.RateMaxPerHour < 0 {
		return fmt.Errorf("%w: rate_max_per_hour must be >= 0, got %d",
			ErrInvalidRateLimit, c.RateMaxPerHour)
	}
	if c.RateMaxPerDay < 0 {
		return fmt.Errorf("%w: rate_max_per_day must be >= 0, got %d",
			ErrInvalidRateLimit, c.RateMaxPerDay)
	}
	if c.RateMaxContentLength <= 0 {
		return fmt.Errorf("%w: rate_max_content_length must be > 0, got %d",
			ErrInvalidRateLimit, c.RateMaxContentLength)
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: %d (expected 1-65535)", ErrInvalidHTTPPort, c.HTTPPort)
	}
	if c.PostgresEnabled && (c.PostgresPort < 1 || c.PostgresPort > 65535) {
		return fmt.Errorf("%w: %d (expected 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q (expected debug, info, warn or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}
