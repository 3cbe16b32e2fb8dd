package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/engram0/engram/internal/log"
)

// GuardState tracks the dimension guard's migration state machine:
//
//	Healthy → (mismatch) → BackingUp → Migrating →
//	    {VerifiedSuccess | VerifiedPartial | Failed}
//
// Only Healthy and VerifiedSuccess clear all transient backup state; every
// other terminal state leaves a backup artifact on disk for manual
// recovery.
type GuardState int

const (
	GuardHealthy GuardState = iota
	GuardBackingUp
	GuardMigrating
	GuardVerifiedSuccess
	GuardVerifiedPartial
	GuardFailed
)

func (s GuardState) String() string {
	switch s {
	case GuardHealthy:
		return "healthy"
	case GuardBackingUp:
		return "backing-up"
	case GuardMigrating:
		return "migrating"
	case GuardVerifiedSuccess:
		return "verified-success"
	case GuardVerifiedPartial:
		return "verified-partial"
	case GuardFailed:
		return "failed"
	default:
		return fmt.Sprintf("GuardState(%d)", int(s))
	}
}

// Guard detects embedding-dimension mismatch between stored vectors and
// the active embedding model, and repairs it through a backup → destroy →
// recreate → reimport → verify migration. A mismatched index otherwise
// causes every similarity query to silently return empty results.
//
// Guard runs once, synchronously, during startup before the backend handle
// is published; no request can observe a partially migrated index. Its
// failures are contained: the service still starts, degraded search
// results being preferable to unavailability.
type Guard struct {
	backend   Backend
	bound     DimensionBound
	dimension int
	backupDir string
	logger    log.Logger

	state      GuardState
	backupPath string
	now        func() time.Time
}

// NewGuard creates a dimension guard for a schema-bound backend. dimension
// is the vector length the active embedding model is known to produce.
func NewGuard(backend Backend, bound DimensionBound, dimension int, backupDir string, logger log.Logger) *Guard {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Guard{
		backend:   backend,
		bound:     bound,
		dimension: dimension,
		backupDir: backupDir,
		logger:    logger.With("component", "dimension-guard"),
		state:     GuardHealthy,
		now:       time.Now,
	}
}

// State returns the guard's terminal state after Run.
func (g *Guard) State() GuardState { return g.state }

// BackupPath returns the location of a retained backup artifact, or "" if
// none exists (healthy, or migration verified successful).
func (g *Guard) BackupPath() string { return g.backupPath }

// Run checks for a dimension mismatch and migrates if one is found. The
// returned error describes a failed or partial migration; callers must
// treat it as non-fatal — the backend is left in whatever state resulted
// and the service continues starting.
func (g *Guard) Run(ctx context.Context) error {
	count, err := g.bound.Count(ctx)
	if err != nil {
		return fmt.Errorf("%w: counting records: %v", ErrMigration, err)
	}
	if count == 0 {
		g.logger.Debug("store is empty, dimension check skipped")
		return nil
	}

	sample, err := g.bound.SampleVector(ctx)
	if err != nil {
		return fmt.Errorf("%w: sampling stored vector: %v", ErrMigration, err)
	}
	if len(sample) == 0 || len(sample) == g.dimension {
		g.logger.Debug("embedding dimensions match",
			"stored", len(sample), "model", g.dimension)
		return nil
	}

	g.logger.Error("embedding dimension mismatch detected",
		"stored_dimension", len(sample),
		"model_dimension", g.dimension,
		"record_count", count,
	)
	g.logger.Warn("starting self-healing migration")

	return g.migrate(ctx, count, len(sample))
}

// migrate runs the backup/destroy/recreate/reimport/verify protocol. Data
// is preserved under all failure modes: the backup exists before any
// destructive step and is deleted only after verified success.
func (g *Guard) migrate(ctx context.Context, count, oldDim int) error {
	// Serialize against other processes migrating the same store.
	lock := flock.New(filepath.Join(g.backupDir, "migration.lock"))
	if err := os.MkdirAll(g.backupDir, 0o750); err != nil {
		g.state = GuardFailed
		return fmt.Errorf("%w: preparing backup directory: %v", ErrMigration, err)
	}
	locked, err := lock.TryLock()
	if err != nil || !locked {
		g.state = GuardFailed
		return fmt.Errorf("%w: acquiring migration lock: %v", ErrMigration, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			g.logger.Warn("releasing migration lock", "error", err)
		}
	}()

	// Export. An item count that disagrees with the backend's reported
	// count is an inconsistent read: abort before any destructive step.
	g.state = GuardBackingUp
	items, err := g.bound.ExportAll(ctx)
	if err != nil {
		g.state = GuardFailed
		return fmt.Errorf("%w: exporting records: %v", ErrMigration, err)
	}
	if len(items) != count {
		g.state = GuardFailed
		return fmt.Errorf("%w: inconsistent export (%d items, backend reports %d)",
			ErrMigration, len(items), count)
	}

	// Persist the backup before touching the index.
	backup := &MigrationBackup{
		CreatedAt:    g.now(),
		OldDimension: oldDim,
		NewDimension: g.dimension,
		Count:        count,
		Items:        items,
	}
	path, err := WriteBackup(g.backupDir, backup)
	if err != nil {
		g.state = GuardFailed
		return fmt.Errorf("%w: persisting backup: %v", ErrMigration, err)
	}
	g.backupPath = path
	g.logger.Info("migration backup persisted", "path", path, "items", count)

	// Destroy and recreate the index at the current dimensionality.
	g.state = GuardMigrating
	if err := g.bound.Recreate(ctx); err != nil {
		g.state = GuardFailed
		g.logger.Error("index recreation failed, backup retained",
			"error", err, "backup", path)
		return fmt.Errorf("%w: recreating index: %v (backup retained at %s)",
			ErrMigration, err, path)
	}

	// Reimport. Embeddings are recomputed by the backend with the
	// now-correct model; per-item failures are counted but never abort
	// the batch.
	failed := 0
	for _, item := range items {
		ok, msg, err := g.backend.Store(ctx, item.Memory())
		if err != nil {
			failed++
			g.logger.Warn("reimport failed for record",
				"content_hash", item.ContentHash, "error", err)
			continue
		}
		if !ok {
			failed++
			g.logger.Warn("reimport rejected for record",
				"content_hash", item.ContentHash, "message", msg)
		}
	}

	// Verify.
	after, err := g.bound.Count(ctx)
	if err != nil {
		g.state = GuardFailed
		g.logger.Error("post-migration count failed, backup retained",
			"error", err, "backup", path)
		return fmt.Errorf("%w: verifying migration: %v (backup retained at %s)",
			ErrMigration, err, path)
	}

	if after == count {
		g.state = GuardVerifiedSuccess
		if err := os.Remove(path); err != nil {
			g.logger.Warn("removing backup after verified migration", "error", err)
		} else {
			g.backupPath = ""
		}
		g.logger.Info("dimension migration verified",
			"records", after,
			"old_dimension", oldDim,
			"new_dimension", g.dimension,
		)
		return nil
	}

	g.state = GuardVerifiedPartial
	g.logger.Error("dimension migration incomplete, backup retained",
		"expected", count,
		"migrated", after,
		"failed", failed,
		"backup", path,
	)
	return fmt.Errorf("%w: migrated %d of %d records (backup retained at %s)",
		ErrMigration, after, count, path)
}
