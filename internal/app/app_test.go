package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram0/engram/internal/config"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/ratelimit"
	"github.com/engram0/engram/internal/storage"
)

// plainBackend is a minimal Backend without dimension-bound methods.
type plainBackend struct {
	statsErr error
	closed   bool
}

func (b *plainBackend) Initialize(context.Context) error { return nil }
func (b *plainBackend) Store(context.Context, *memory.Memory) (bool, string, error) {
	return true, "stored", nil
}
func (b *plainBackend) Retrieve(context.Context, string, int) ([]storage.QueryResult, error) {
	return nil, nil
}
func (b *plainBackend) SearchByTag(context.Context, []string) ([]memory.Memory, error) {
	return nil, nil
}
func (b *plainBackend) Delete(context.Context, string) error { return nil }
func (b *plainBackend) Stats(context.Context) (storage.Stats, error) {
	return storage.Stats{TotalMemories: 3}, b.statsErr
}
func (b *plainBackend) Name() string { return "chromem" }
func (b *plainBackend) Close() error {
	b.closed = true
	return nil
}

func testApp(backend storage.Backend) *App {
	return &App{
		Config:    &config.Config{},
		Logger:    log.NewNop(),
		Backend:   backend,
		Selection: storage.Selection{Kind: storage.KindChromem, Requested: "chromem"},
		Limiter:   ratelimit.New(ratelimit.Config{}, log.NewNop()),
		StartedAt: time.Now().Add(-time.Minute),
	}
}

func TestProvideAvailability(t *testing.T) {
	cfg := &config.Config{}
	avail := provideAvailability(cfg)
	assert.Error(t, avail.Chromem)
	assert.Error(t, avail.Cloud)
	assert.Error(t, avail.Postgres)

	cfg = &config.Config{
		ChromaDir:            "/tmp/chromem",
		CloudflareAccountID:  "acct",
		CloudflareAPIToken:   "token",
		CloudflareVectorize:  "idx",
		CloudflareD1Database: "db",
		PostgresEnabled:      true,
	}
	avail = provideAvailability(cfg)
	assert.NoError(t, avail.Chromem)
	assert.NoError(t, avail.Cloud)
	assert.NoError(t, avail.Postgres)
}

func TestProvideBackendCloudflareRequiresCredentials(t *testing.T) {
	_, err := provideBackend(storage.KindCloudflare, &config.Config{}, nil, log.NewNop())
	require.ErrorIs(t, err, storage.ErrConfiguration)
}

func TestRunGuardSkipsUnboundBackend(t *testing.T) {
	a := testApp(&plainBackend{})
	runGuard(context.Background(), a)
	assert.Equal(t, storage.GuardHealthy, a.GuardState)
	assert.NoError(t, a.GuardErr)
}

func TestHealthHealthy(t *testing.T) {
	a := testApp(&plainBackend{})

	h := a.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "chromem", h.Backend)
	require.NotNil(t, h.Stats)
	assert.Equal(t, 3, h.Stats.TotalMemories)
	assert.Positive(t, h.Uptime)
	assert.True(t, h.RateLimit.CanStore)
}

func TestHealthDegradedOnStatsFailure(t *testing.T) {
	a := testApp(&plainBackend{statsErr: errors.New("database locked")})

	h := a.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.StatsError, "database locked")
	assert.Nil(t, h.Stats)
}

func TestHealthDegradedOnGuardFailure(t *testing.T) {
	a := testApp(&plainBackend{})
	a.GuardState = storage.GuardFailed
	a.GuardErr = errors.New("export failed")

	h := a.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.GuardError, "export failed")
}

func TestHealthReportsFallback(t *testing.T) {
	a := testApp(&plainBackend{})
	a.Selection = storage.Selection{
		Kind:      storage.KindSqliteVec,
		Requested: "hybrid",
		FellBack:  true,
		Reason:    "cloudflare credentials incomplete",
	}

	h := a.Health(context.Background())
	assert.True(t, h.FellBack)
	assert.Equal(t, "hybrid", h.Requested)
	assert.Contains(t, h.Reason, "credentials")
}

func TestCloseClosesBackend(t *testing.T) {
	backend := &plainBackend{}
	a := testApp(backend)

	require.NoError(t, a.Close())
	assert.True(t, backend.closed)
}

// cleanerBackend records the cleanup/close ordering.
type cleanerBackend struct {
	plainBackend
	cleanupErr error
	calls      []string
}

func (b *cleanerBackend) Cleanup(context.Context) error {
	b.calls = append(b.calls, "cleanup")
	return b.cleanupErr
}

func (b *cleanerBackend) Close() error {
	b.calls = append(b.calls, "close")
	return b.plainBackend.Close()
}

func TestCloseRunsCleanupFirst(t *testing.T) {
	backend := &cleanerBackend{}
	a := testApp(backend)

	require.NoError(t, a.Close())
	assert.Equal(t, []string{"cleanup", "close"}, backend.calls)
}

func TestCloseStillClosesAfterCleanupFailure(t *testing.T) {
	backend := &cleanerBackend{cleanupErr: errors.New("drain unfinished")}
	a := testApp(backend)

	require.NoError(t, a.Close())
	assert.Equal(t, []string{"cleanup", "close"}, backend.calls)
	assert.True(t, backend.closed)
}

func TestProvideLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger := provideLogger(&config.Config{LogLevel: level})
		assert.NotNil(t, logger)
	}
}
