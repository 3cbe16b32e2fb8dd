package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/engram0/engram/internal/config"
	"github.com/engram0/engram/internal/embed"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/ratelimit"
	"github.com/engram0/engram/internal/storage"
	"github.com/engram0/engram/internal/storage/chromem"
	"github.com/engram0/engram/internal/storage/cloudflare"
	"github.com/engram0/engram/internal/storage/hybrid"
	"github.com/engram0/engram/internal/storage/pgvector"
	"github.com/engram0/engram/internal/storage/sqlitevec"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := provideLogger(cfg)
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	g, embedder, err := provideEmbedder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Embedder = embedder

	sel, err := storage.Resolve(cfg.Backend, provideAvailability(cfg), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Strict && sel.FellBack {
		return nil, fmt.Errorf("%w: strict mode refuses fallback from %q (%s)",
			storage.ErrConfiguration, sel.Requested, sel.Reason)
	}
	a.Selection = sel

	backend, err := provideBackend(sel.Kind, cfg, embedder, logger)
	if err != nil {
		return nil, err
	}
	a.Backend = backend

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if err := backend.Initialize(initCtx); err != nil {
		return nil, fmt.Errorf("initializing %s backend: %w", backend.Name(), err)
	}

	runGuard(ctx, a)

	a.Limiter = ratelimit.New(ratelimit.Config{
		MinInterval:      time.Duration(cfg.RateMinIntervalSeconds * float64(time.Second)),
		MaxPerHour:       cfg.RateMaxPerHour,
		MaxPerDay:        cfg.RateMaxPerDay,
		MaxContentLength: cfg.RateMaxContentLength,
		NoTruncate:       cfg.RateNoTruncate,
	}, logger)

	logger.Info("application ready",
		"backend", backend.Name(),
		"fell_back", sel.FellBack,
		"dimension_guard", a.GuardState.String(),
	)
	return a, nil
}

// provideLogger builds the application logger from config.
func provideLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}

// provideEmbedder initializes Genkit with the configured embedding
// provider and wraps the registered embedder behind the caching layer.
//
// Each provider registers embedders differently:
//   - ollama: explicit DefineEmbedder keyed by server address
//   - googleai: GoogleAIEmbedder(g, modelName), reads GEMINI_API_KEY
func provideEmbedder(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, embed.Embedder, error) {
	var (
		g   *genkit.Genkit
		raw ai.Embedder
	)

	switch cfg.EmbeddingProvider {
	case config.ProviderGoogleAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with googleai provider")
		}
		raw = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		logger.Info("initialized genkit with googleai embedder", "model", cfg.EmbedderModel)

	default: // ollama
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit embedder registration (no auto-discovery)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		raw = ollama.Embedder(g, cfg.OllamaHost)
		logger.Info("initialized genkit with ollama embedder",
			"model", cfg.EmbedderModel, "host", cfg.OllamaHost)
	}

	if raw == nil {
		return nil, nil, fmt.Errorf("embedder %q not found for provider %q",
			cfg.EmbedderModel, cfg.EmbeddingProvider)
	}

	dim, ok := embed.DimensionFor(cfg.EmbedderModel)
	if !ok {
		dim = 384
		logger.Warn("unknown embedder model dimensionality, assuming 384",
			"model", cfg.EmbedderModel)
	}

	embedder, err := embed.NewCached(embed.NewGenkit(raw, cfg.EmbedderModel, dim), cfg.EmbedCacheBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return g, embedder, nil
}

// provideAvailability derives which optional backends are usable from
// static configuration. Probes are side-effect-free so resolution stays
// deterministic.
func provideAvailability(cfg *config.Config) storage.Availability {
	var avail storage.Availability
	if cfg.ChromaDir == "" {
		avail.Chromem = errors.New("no chromem directory configured")
	}
	if !cfg.HasCloudflareCredentials() {
		avail.Cloud = errors.New("cloudflare credentials incomplete (need account id, api token, vectorize index, d1 database)")
	}
	if !cfg.PostgresEnabled {
		avail.Postgres = errors.New("postgres backend not enabled (set DATABASE_URL or postgres_enabled)")
	}
	return avail
}

// provideBackend constructs the backend for the resolved kind. No string
// comparisons happen here; the Kind was resolved exactly once.
func provideBackend(kind storage.Kind, cfg *config.Config, embedder embed.Embedder, logger log.Logger) (storage.Backend, error) {
	switch kind {
	case storage.KindChromem:
		return chromem.New(cfg.ChromaDir, embedder, logger), nil

	case storage.KindCloudflare:
		cf := cloudflareConfig(cfg)
		if err := cf.Validate(); err != nil {
			return nil, err
		}
		return cloudflare.New(cf, logger), nil

	case storage.KindPgvector:
		return pgvector.New(cfg.PostgresURL(), embedder, logger)

	case storage.KindHybrid:
		cf := cloudflareConfig(cfg)
		if err := cf.Validate(); err != nil {
			return nil, err
		}
		primary := sqlitevec.New(cfg.SQLitePath, embedder, logger)
		secondary := cloudflare.New(cf, logger)
		opts := hybrid.Options{
			SyncInterval: time.Duration(cfg.HybridSyncIntervalSeconds * float64(time.Second)),
			BatchSize:    cfg.HybridBatchSize,
			MaxQueue:     cfg.HybridMaxQueue,
		}
		return hybrid.New(primary, secondary, opts, logger), nil

	default:
		return sqlitevec.New(cfg.SQLitePath, embedder, logger), nil
	}
}

func cloudflareConfig(cfg *config.Config) cloudflare.Config {
	return cloudflare.Config{
		AccountID:             cfg.CloudflareAccountID,
		APIToken:              cfg.CloudflareAPIToken,
		VectorizeIndex:        cfg.CloudflareVectorize,
		D1Database:            cfg.CloudflareD1Database,
		R2Bucket:              cfg.CloudflareR2Bucket,
		LargeContentThreshold: cfg.CloudflareLargeContentThreshold,
		MaxRetries:            cfg.CloudflareMaxRetries,
		BaseDelay:             time.Duration(cfg.CloudflareBaseDelayMS) * time.Millisecond,
	}
}

// runGuard runs the startup dimension guard when the backend is
// schema-bound. A guard failure is recorded and reported through health
// checks but never fails startup: reads keep working against whatever
// records still match the active model.
func runGuard(ctx context.Context, a *App) {
	bound, ok := a.Backend.(storage.DimensionBound)
	if !ok {
		a.GuardState = storage.GuardHealthy
		return
	}
	if h, isHybrid := a.Backend.(*hybrid.Store); isHybrid && !h.Bound() {
		a.GuardState = storage.GuardHealthy
		return
	}

	guard := storage.NewGuard(a.Backend, bound, a.Embedder.Dimension(), a.Config.BackupDir, a.Logger)

	guardCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := guard.Run(guardCtx); err != nil {
		a.Logger.Error("dimension guard failed, stored vectors may not match the active model",
			"state", guard.State().String(), "error", err)
		a.GuardErr = err
	}
	a.GuardState = guard.State()
	a.GuardBackupPath = guard.BackupPath()
}
