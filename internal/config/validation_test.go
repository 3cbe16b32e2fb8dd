package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateNilConfig(t *testing.T) {
	var cfg *Config
	assert.ErrorIs(t, cfg.Validate(), ErrConfigNil)
}

func TestValidateStrictUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Backend = "chroma-db"

	// Non-strict: resolution handles the unknown name with a fallback.
	require.NoError(t, cfg.Validate())

	// Strict: an unknown backend refuses to start.
	cfg.Strict = true
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidBackend)
}

func TestValidateEmbeddingProvider(t *testing.T) {
	cfg := validConfig()
	cfg.EmbeddingProvider = "openai"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidProvider)
}

func TestValidateGoogleAIRequiresKey(t *testing.T) {
	cfg := validConfig()
	cfg.EmbeddingProvider = ProviderGoogleAI

	t.Setenv("GEMINI_API_KEY", "")
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAPIKey)

	t.Setenv("GEMINI_API_KEY", "test-key")
	assert.NoError(t, cfg.Validate())
}

func TestValidateRateLimits(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"negative interval", func(c *Config) { c.RateMinIntervalSeconds = -1 }},
		{"negative hourly", func(c *Config) { c.RateMaxPerHour = -1 }},
		{"negative daily", func(c *Config) { c.RateMaxPerDay = -1 }},
		{"zero content length", func(c *Config) { c.RateMaxContentLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mut(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidRateLimit)
		})
	}
}

func TestValidatePorts(t *testing.T) {
	cfg := validConfig()
	cfg.HTTPPort = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidHTTPPort)

	cfg = validConfig()
	cfg.PostgresEnabled = true
	cfg.PostgresPort = 70000
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidPostgresPort)

	// A bad postgres port is ignored while the backend is disabled.
	cfg.PostgresEnabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidLogLevel)
}
