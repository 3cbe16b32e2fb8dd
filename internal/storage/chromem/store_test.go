package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
)

type hashEmbedder struct {
	dim int
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for i, r := range text {
		vec[i%e.dim] += float32(r%13) + 1
	}
	if len(text) == 0 {
		vec[0] = 1
	}
	return vec, nil
}

func (e *hashEmbedder) Dimension() int { return e.dim }
func (e *hashEmbedder) Name() string   { return "hash-test" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New("", &hashEmbedder{dim: 8}, log.NewNop())
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, msg, err := s.Store(ctx, memory.New("chromem keeps vectors in pure go", []string{"chromem"}, "note"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, msg, "stored")

	_, _, err = s.Store(ctx, memory.New("sqlite keeps rows in a single file", []string{"sqlite"}, "note"))
	require.NoError(t, err)

	results, err := s.Retrieve(ctx, "chromem keeps vectors in pure go", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chromem keeps vectors in pure go", results[0].Memory.Content)
	assert.Equal(t, []string{"chromem"}, results[0].Memory.Tags)
}

func TestStoreRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.Store(ctx, memory.New("stored once", nil, "note"))
	require.NoError(t, err)

	ok, msg, err := s.Store(ctx, memory.New("stored once", nil, "note"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "duplicate")
}

func TestRetrieveClampsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Asking an empty collection for results is not an error.
	results, err := s.Retrieve(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, _, err = s.Store(ctx, memory.New("only one document", nil, "note"))
	require.NoError(t, err)

	// Asking for more results than documents clamps rather than failing.
	results, err = s.Retrieve(ctx, "only one document", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchByTag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.Store(ctx, memory.New("tagged alpha", []string{"alpha"}, "note"))
	require.NoError(t, err)
	_, _, err = s.Store(ctx, memory.New("tagged beta", []string{"beta"}, "note"))
	require.NoError(t, err)

	matches, err := s.SearchByTag(ctx, []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "tagged alpha", matches[0].Content)

	matches, err = s.SearchByTag(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem := memory.New("short lived", nil, "note")
	_, _, err := s.Store(ctx, mem)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, mem.ContentHash))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMemories)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.Store(ctx, memory.New("one", []string{"a", "b"}, "note"))
	require.NoError(t, err)
	_, _, err = s.Store(ctx, memory.New("two", []string{"b"}, "note"))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 2, stats.TotalTags)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := New(dir, &hashEmbedder{dim: 8}, log.NewNop())
	require.NoError(t, s.Initialize(ctx))
	_, _, err := s.Store(ctx, memory.New("survives restart", []string{"durable"}, "note"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := New(dir, &hashEmbedder{dim: 8}, log.NewNop())
	require.NoError(t, reopened.Initialize(ctx))
	defer reopened.Close()

	results, err := reopened.Retrieve(ctx, "survives restart", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "survives restart", results[0].Memory.Content)
}
