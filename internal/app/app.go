// Package app provides application initialization and dependency
// injection.
//
// App is the container that wires configuration, the embedder, the
// resolved storage backend, the startup dimension guard, and the write
// rate limiter. Setup builds everything in dependency order; Close
// releases it in reverse.
package app

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/genkit"

	"github.com/engram0/engram/internal/config"
	"github.com/engram0/engram/internal/embed"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/ratelimit"
	"github.com/engram0/engram/internal/storage"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder embed.Embedder

	// Backend is the resolved storage backend; Selection records how it
	// was chosen, including any fallback.
	Backend   storage.Backend
	Selection storage.Selection

	// Limiter gates memory writes.
	Limiter *ratelimit.Limiter

	// Guard outcome from startup. GuardErr is non-nil when the dimension
	// migration failed; the service still starts and reports the state
	// through health checks.
	GuardState      storage.GuardState
	GuardErr        error
	GuardBackupPath string

	StartedAt time.Time
}

// cleanupTimeout bounds the backend's pre-close cleanup hook.
const cleanupTimeout = 30 * time.Second

// Close gracefully shuts down all resources. Backends exposing a
// Cleanup hook get it first; the backend is closed even when cleanup
// fails.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.Backend != nil {
		if c, ok := a.Backend.(storage.Cleaner); ok {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := c.Cleanup(ctx); err != nil {
				a.Logger.Warn("backend cleanup", "error", err)
			}
			cancel()
		}
		if err := a.Backend.Close(); err != nil {
			a.Logger.Warn("closing storage backend", "error", err)
			return err
		}
		a.Logger.Info("storage backend closed")
	}
	return nil
}

// Health is the aggregate service health snapshot served by the REST
// health endpoints and the check_database_health tool.
type Health struct {
	Status    string        `json:"status"` // "healthy" or "degraded"
	Backend   string        `json:"backend"`
	Requested string        `json:"requested_backend,omitempty"`
	FellBack  bool          `json:"fell_back,omitempty"`
	Reason    string        `json:"fallback_reason,omitempty"`
	Uptime    time.Duration `json:"uptime"`

	Guard      string `json:"dimension_guard"`
	GuardError string `json:"dimension_guard_error,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`

	Stats      *storage.Stats   `json:"stats,omitempty"`
	StatsError string           `json:"stats_error,omitempty"`
	RateLimit  ratelimit.Status `json:"rate_limit"`
}

// Health collects the current service health. A stats failure degrades the
// report instead of failing it; the snapshot itself always succeeds.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Status:     "healthy",
		Backend:    a.Backend.Name(),
		Requested:  a.Selection.Requested,
		FellBack:   a.Selection.FellBack,
		Reason:     a.Selection.Reason,
		Uptime:     time.Since(a.StartedAt),
		Guard:      a.GuardState.String(),
		BackupPath: a.GuardBackupPath,
		RateLimit:  a.Limiter.Status(),
	}
	if a.GuardErr != nil {
		h.Status = "degraded"
		h.GuardError = a.GuardErr.Error()
	}

	stats, err := a.Backend.Stats(ctx)
	if err != nil {
		h.Status = "degraded"
		h.StatsError = err.Error()
	} else {
		h.Stats = &stats
	}
	return h
}
