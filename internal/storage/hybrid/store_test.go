package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubBackend is an in-memory Backend recording calls for assertions.
type stubBackend struct {
	mu       sync.Mutex
	name     string
	memories map[string]memory.Memory
	deletes  []string
	initErr  error
	storeErr error
	stored   chan string
}

func newStubBackend(name string) *stubBackend {
	return &stubBackend{
		name:     name,
		memories: make(map[string]memory.Memory),
		stored:   make(chan string, 64),
	}
}

func (b *stubBackend) Initialize(context.Context) error { return b.initErr }

func (b *stubBackend) Store(_ context.Context, mem *memory.Memory) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storeErr != nil {
		return false, "", b.storeErr
	}
	if _, ok := b.memories[mem.ContentHash]; ok {
		return false, "duplicate", nil
	}
	b.memories[mem.ContentHash] = *mem
	select {
	case b.stored <- mem.ContentHash:
	default:
	}
	return true, "stored", nil
}

func (b *stubBackend) Retrieve(_ context.Context, _ string, n int) ([]storage.QueryResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.QueryResult
	for _, m := range b.memories {
		out = append(out, storage.QueryResult{Memory: m, Similarity: 1})
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (b *stubBackend) SearchByTag(_ context.Context, tags []string) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := make(map[string]bool)
	for _, t := range tags {
		want[t] = true
	}
	var out []memory.Memory
	for _, m := range b.memories {
		for _, t := range m.Tags {
			if want[t] {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (b *stubBackend) Delete(_ context.Context, contentHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.memories, contentHash)
	b.deletes = append(b.deletes, contentHash)
	return nil
}

func (b *stubBackend) Stats(context.Context) (storage.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return storage.Stats{TotalMemories: len(b.memories)}, nil
}

func (b *stubBackend) Name() string { return b.name }
func (b *stubBackend) Close() error { return nil }

func (b *stubBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.memories)
}

func TestStoreMirrorsToSecondary(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))
	defer s.Close()

	mem := memory.New("mirrored to the cloud", []string{"sync"}, "note")
	ok, _, err := s.Store(ctx, mem)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, primary.count())

	select {
	case hash := <-secondary.stored:
		assert.Equal(t, mem.ContentHash, hash)
	case <-time.After(2 * time.Second):
		t.Fatal("secondary never received the mirror write")
	}
}

func TestDuplicateNotMirrored(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	_, _, err := s.Store(ctx, memory.New("stored once", nil, "note"))
	require.NoError(t, err)
	ok, _, err := s.Store(ctx, memory.New("stored once", nil, "note"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, secondary.count())
}

func TestDeleteMirrorsToSecondary(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	mem := memory.New("short lived", nil, "note")
	_, _, err := s.Store(ctx, mem)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, mem.ContentHash))

	// Close drains the queue before returning.
	require.NoError(t, s.Close())

	secondary.mu.Lock()
	defer secondary.mu.Unlock()
	assert.Contains(t, secondary.deletes, mem.ContentHash)
	assert.Empty(t, secondary.memories)
}

func TestSecondaryInitFailureDisablesSync(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")
	secondary.initErr = errors.New("credentials rejected")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))
	defer s.Close()

	assert.False(t, s.SyncStatus().Enabled)

	// Writes still land on the primary.
	ok, _, err := s.Store(ctx, memory.New("local only", nil, "note"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, primary.count())
}

func TestSyncFailureCounted(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")
	secondary.storeErr = errors.New("vectorize unavailable")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	_, _, err := s.Store(ctx, memory.New("fails to mirror", nil, "note"))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	status := s.SyncStatus()
	assert.Equal(t, 1, status.Failed)
	assert.Zero(t, status.Synced)
}

func TestReadsServedByPrimary(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))
	defer s.Close()

	_, _, err := s.Store(ctx, memory.New("read me back", []string{"r"}, "note"))
	require.NoError(t, err)

	results, err := s.Retrieve(ctx, "read me back", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	matches, err := s.SearchByTag(ctx, []string{"r"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMemories)
}

func TestQueueFullDropsOldest(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	// A long interval keeps the syncer from draining during the test.
	s := New(primary, secondary, Options{SyncInterval: time.Hour, MaxQueue: 2}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	first := memory.New("first write", nil, "note")
	_, _, err := s.Store(ctx, first)
	require.NoError(t, err)
	_, _, err = s.Store(ctx, memory.New("second write", nil, "note"))
	require.NoError(t, err)
	_, _, err = s.Store(ctx, memory.New("third write", nil, "note"))
	require.NoError(t, err)

	status := s.SyncStatus()
	assert.Equal(t, 1, status.Dropped)
	assert.Equal(t, 2, status.Pending)

	// Close drains what remains; the evicted first write never arrives.
	require.NoError(t, s.Close())
	secondary.mu.Lock()
	defer secondary.mu.Unlock()
	assert.Len(t, secondary.memories, 2)
	assert.NotContains(t, secondary.memories, first.ContentHash)
}

func TestBatchDrain(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	s := New(primary, secondary, Options{SyncInterval: time.Hour, BatchSize: 3}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	for i := 0; i < 5; i++ {
		_, _, err := s.Store(ctx, memory.New(string(rune('a'+i))+" unique entry", nil, "note"))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.flush())
	assert.Equal(t, 2, s.flush())
	assert.Equal(t, 0, s.flush())
	assert.Equal(t, 5, secondary.count())

	require.NoError(t, s.Close())
}

func TestCleanupDrainsQueueBeforeClose(t *testing.T) {
	ctx := context.Background()
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")

	// A long interval keeps the drain on the Cleanup path.
	s := New(primary, secondary, Options{SyncInterval: time.Hour}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))

	_, _, err := s.Store(ctx, memory.New("queued one", nil, "note"))
	require.NoError(t, err)
	_, _, err = s.Store(ctx, memory.New("queued two", nil, "note"))
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx))
	assert.Equal(t, 2, secondary.count())
	assert.Equal(t, 0, s.SyncStatus().Pending)

	require.NoError(t, s.Close())
}

func TestCleanupNoSecondaryIsNoop(t *testing.T) {
	primary := newStubBackend("sqlite_vec")
	secondary := newStubBackend("cloudflare")
	secondary.initErr = errors.New("cloud unreachable")

	s := New(primary, secondary, Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, s.Cleanup(context.Background()))
	require.NoError(t, s.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(newStubBackend("sqlite_vec"), newStubBackend("cloudflare"), Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestBoundDelegation(t *testing.T) {
	s := New(newStubBackend("sqlite_vec"), newStubBackend("cloudflare"), Options{SyncInterval: 10 * time.Millisecond}, log.NewNop())
	assert.False(t, s.Bound())
}
