// Package storage defines the backend contract shared by all concrete
// memory stores, the backend selector with its fallback rules, and the
// dimension guard that repairs embedding-dimension mismatch at startup.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/engram0/engram/internal/memory"
)

var (
	// ErrConfiguration indicates an unusable backend configuration:
	// an unsupported backend name with no fallback, or missing required
	// credentials. Fatal at startup.
	ErrConfiguration = errors.New("storage configuration error")

	// ErrInitialization indicates the backend could not acquire its
	// underlying resources (files, network, model). Fatal at startup.
	ErrInitialization = errors.New("storage initialization error")

	// ErrMigration indicates the dimension migration could not complete.
	// Contained within the guard: logged, never fatal to startup.
	ErrMigration = errors.New("dimension migration error")
)

// Stats is a read-only snapshot of a backend, recomputed on demand.
type Stats struct {
	TotalMemories int       `json:"total_memories"`
	TotalTags     int       `json:"total_tags"`
	SizeBytes     int64     `json:"size_bytes"`
	LastBackup    time.Time `json:"last_backup,omitzero"`
}

// QueryResult pairs a memory with its similarity to the query.
type QueryResult struct {
	Memory     memory.Memory `json:"memory"`
	Similarity float32       `json:"similarity"`
}

// Backend is the uniform contract over the concrete stores. Implementations
// must be safe for concurrent use; the core adds no locking around backend
// calls.
type Backend interface {
	// Initialize acquires the backend's underlying resources. Failures
	// wrap ErrInitialization.
	Initialize(ctx context.Context) error

	// Store persists a memory, computing its embedding. ok=false with a
	// message signals a rejected write (e.g. duplicate content); err is
	// reserved for operational failures.
	Store(ctx context.Context, mem *memory.Memory) (ok bool, message string, err error)

	// Retrieve returns up to n memories most similar to query, ordered by
	// descending similarity.
	Retrieve(ctx context.Context, query string, n int) ([]QueryResult, error)

	// SearchByTag returns memories carrying any of the given tags.
	SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error)

	// Delete removes the memory with the given content hash.
	Delete(ctx context.Context, contentHash string) error

	// Stats returns a snapshot of the backend.
	Stats(ctx context.Context) (Stats, error)

	// Name identifies the backend kind for health reporting.
	Name() string

	// Close releases the backend's primary resource.
	Close() error
}

// Cleaner is an optional backend hook for releasing secondary resources
// (background workers, queues) before Close. The lifecycle manager calls
// Cleanup first and still closes the backend if Cleanup fails.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// DimensionBound is implemented by backends whose index format is
// schema-bound to a fixed vector dimensionality at creation time. Only
// these backends are subject to the dimension guard; backends whose index
// auto-adapts are exempt.
type DimensionBound interface {
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// SampleVector returns one stored embedding, or nil if the store is
	// empty.
	SampleVector(ctx context.Context) ([]float32, error)

	// ExportAll reads every record's id, content, metadata and stale
	// vector for backup.
	ExportAll(ctx context.Context) ([]BackupItem, error)

	// Recreate destroys the existing index and reinitializes it bound to
	// the current embedding dimensionality.
	Recreate(ctx context.Context) error
}
