// Package hybrid implements a storage backend that pairs a fast local
// primary with a cloud secondary. All reads and writes hit the primary
// synchronously; mutations are mirrored to the secondary by a background
// syncer that drains a bounded queue in batches, so cloud latency and
// outages never block the caller.
package hybrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

const (
	// DefaultSyncInterval is how often the syncer drains a batch.
	DefaultSyncInterval = 5 * time.Second

	// DefaultBatchSize is the number of operations applied per drain.
	DefaultBatchSize = 32

	// DefaultMaxQueue bounds the pending-operation queue. When full, the
	// oldest operation is dropped; the primary already holds the data, so
	// a drop loses redundancy, not the memory.
	DefaultMaxQueue = 256

	syncOpTimeout = 30 * time.Second
	drainTimeout  = 10 * time.Second
)

// Options tune the background syncer. Zero values take defaults.
type Options struct {
	SyncInterval time.Duration
	BatchSize    int
	MaxQueue     int
}

func (o Options) withDefaults() Options {
	if o.SyncInterval <= 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = DefaultMaxQueue
	}
	return o
}

type opKind int

const (
	opStore opKind = iota
	opDelete
)

// syncOp is one pending mutation for the secondary.
type syncOp struct {
	id          uuid.UUID
	kind        opKind
	memory      *memory.Memory
	contentHash string
}

// Store is the hybrid backend.
type Store struct {
	primary   storage.Backend
	secondary storage.Backend
	opts      Options
	logger    log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	pending   []syncOp
	dropped   int
	synced    int
	syncFails int
	closed    bool
}

// New creates a hybrid Store over a primary and secondary backend.
func New(primary, secondary storage.Backend, opts Options, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		primary:   primary,
		secondary: secondary,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "hybrid"),
		stop:      make(chan struct{}),
	}
}

// Initialize brings up both backends and starts the syncer. A secondary
// failure disables sync but does not fail startup; the primary keeps
// serving.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.primary.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing primary: %w", err)
	}
	if err := s.secondary.Initialize(ctx); err != nil {
		s.logger.Error("secondary backend unavailable, cloud sync disabled",
			"secondary", s.secondary.Name(), "error", err)
		s.secondary = nil
		return nil
	}

	s.wg.Add(1)
	go s.syncWorker()

	s.logger.Info("hybrid store initialized",
		"primary", s.primary.Name(),
		"secondary", s.secondary.Name(),
		"sync_interval", s.opts.SyncInterval,
		"batch_size", s.opts.BatchSize,
	)
	return nil
}

// Store writes to the primary and queues the mirror write.
func (s *Store) Store(ctx context.Context, mem *memory.Memory) (bool, string, error) {
	ok, msg, err := s.primary.Store(ctx, mem)
	if err != nil || !ok {
		return ok, msg, err
	}
	s.enqueue(syncOp{id: uuid.New(), kind: opStore, memory: mem})
	return ok, msg, nil
}

// Retrieve reads from the primary only.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.QueryResult, error) {
	return s.primary.Retrieve(ctx, query, n)
}

// SearchByTag reads from the primary only.
func (s *Store) SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error) {
	return s.primary.SearchByTag(ctx, tags)
}

// Delete removes from the primary and queues the mirror delete.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if err := s.primary.Delete(ctx, contentHash); err != nil {
		return err
	}
	s.enqueue(syncOp{id: uuid.New(), kind: opDelete, contentHash: contentHash})
	return nil
}

// Stats reports primary stats.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	return s.primary.Stats(ctx)
}

// Name identifies the backend kind.
func (s *Store) Name() string { return storage.KindHybrid.String() }

// Cleanup stops the syncer and drains queued mirror operations ahead of
// Close. It returns an error when the drain does not finish in time;
// Close still runs afterwards and releases both backends.
func (s *Store) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	secondary := s.secondary
	s.mu.Unlock()
	if secondary == nil {
		return nil
	}
	if !s.stopSyncer(ctx) {
		s.mu.Lock()
		pending := len(s.pending)
		s.mu.Unlock()
		return fmt.Errorf("sync queue drain unfinished, %d operations pending", pending)
	}
	return nil
}

// stopSyncer signals the worker and waits for its final drain, bounded
// by ctx and drainTimeout. Reports whether the worker finished. Safe to
// call more than once.
func (s *Store) stopSyncer(ctx context.Context) bool {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(drainTimeout):
		return false
	}
}

// Close stops the syncer after draining queued operations, then closes
// both backends. A secondary close failure is reported but never
// prevents the primary from closing.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	secondary := s.secondary
	s.mu.Unlock()

	if !s.stopSyncer(context.Background()) {
		s.logger.Warn("sync queue drain timed out, pending operations lost")
	}

	err := s.primary.Close()
	if secondary != nil {
		if cErr := secondary.Close(); cErr != nil {
			s.logger.Warn("closing secondary", "error", cErr)
			if err == nil {
				err = cErr
			}
		}
	}
	return err
}

// SyncStatus reports counters for the background mirror.
type SyncStatus struct {
	Enabled   bool `json:"enabled"`
	Pending   int  `json:"pending"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	QueueSize int  `json:"queue_size"`
}

// SyncStatus returns a snapshot of the mirror's progress.
func (s *Store) SyncStatus() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStatus{
		Enabled:   s.secondary != nil,
		Pending:   len(s.pending),
		Synced:    s.synced,
		Failed:    s.syncFails,
		Dropped:   s.dropped,
		QueueSize: s.opts.MaxQueue,
	}
}

// enqueue appends an operation to the sync queue. A full queue evicts
// the oldest entry: recent mutations are the ones most worth mirroring.
func (s *Store) enqueue(op syncOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secondary == nil || s.closed {
		return
	}
	if len(s.pending) >= s.opts.MaxQueue {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.dropped++
		s.logger.Warn("sync queue full, dropping oldest operation",
			"op_id", dropped.id, "dropped_total", s.dropped)
	}
	s.pending = append(s.pending, op)
}

// takeBatch removes and returns up to n pending operations.
func (s *Store) takeBatch(n int) []syncOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := make([]syncOp, n)
	copy(batch, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return batch
}

func (s *Store) syncWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			// Final drain before shutdown.
			for s.flush() > 0 {
			}
			return
		}
	}
}

// flush applies one batch and returns how many operations it handled.
func (s *Store) flush() int {
	batch := s.takeBatch(s.opts.BatchSize)
	for _, op := range batch {
		s.apply(op)
	}
	return len(batch)
}

func (s *Store) apply(op syncOp) {
	ctx, cancel := context.WithTimeout(context.Background(), syncOpTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opStore:
		_, _, err = s.secondary.Store(ctx, op.memory)
	case opDelete:
		err = s.secondary.Delete(ctx, op.contentHash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.syncFails++
		s.logger.Warn("sync operation failed",
			"op_id", op.id, "secondary", s.secondary.Name(), "error", err)
		return
	}
	s.synced++
}

// Count delegates to the primary when it is dimension-bound.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.bound().Count(ctx)
}

// SampleVector delegates to the primary when it is dimension-bound.
func (s *Store) SampleVector(ctx context.Context) ([]float32, error) {
	return s.bound().SampleVector(ctx)
}

// ExportAll delegates to the primary when it is dimension-bound.
func (s *Store) ExportAll(ctx context.Context) ([]storage.BackupItem, error) {
	return s.bound().ExportAll(ctx)
}

// Recreate delegates to the primary when it is dimension-bound.
func (s *Store) Recreate(ctx context.Context) error {
	return s.bound().Recreate(ctx)
}

// Bound reports whether the primary participates in the dimension guard.
func (s *Store) Bound() bool {
	_, ok := s.primary.(storage.DimensionBound)
	return ok
}

func (s *Store) bound() storage.DimensionBound {
	b, _ := s.primary.(storage.DimensionBound)
	return b
}
