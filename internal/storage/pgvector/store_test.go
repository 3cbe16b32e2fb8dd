package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
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

func TestNewValidation(t *testing.T) {
	_, err := New("", &hashEmbedder{dim: 4}, log.NewNop())
	require.ErrorIs(t, err, storage.ErrConfiguration)

	_, err = New("postgres://localhost/engram", nil, log.NewNop())
	require.ErrorIs(t, err, storage.ErrConfiguration)

	s, err := New("postgres://localhost/engram", &hashEmbedder{dim: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pgvector", s.Name())
}

func TestInitializeMigrationFailureIsInitializationError(t *testing.T) {
	// An unparseable URL fails inside the migration step, before any
	// connection attempt.
	s, err := New("postgres://localhost/engram%zz", &hashEmbedder{dim: 4}, log.NewNop())
	require.NoError(t, err)

	err = s.Initialize(context.Background())
	require.ErrorIs(t, err, storage.ErrInitialization)
	assert.NotErrorIs(t, err, storage.ErrMigration)
}

// TestRoundTrip_Integration exercises the full backend against a real
// PostgreSQL instance with the pgvector extension. Set
// ENGRAM_TEST_DATABASE_URL to run it.
func TestRoundTrip_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	connURL := os.Getenv("ENGRAM_TEST_DATABASE_URL")
	if connURL == "" {
		t.Skip("ENGRAM_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(connURL, &hashEmbedder{dim: 4}, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	defer s.Close()

	mem := memory.New("pgvector integration round trip", []string{"it"}, "note")
	defer s.Delete(ctx, mem.ContentHash)

	ok, _, err := s.Store(ctx, mem)
	require.NoError(t, err)
	require.True(t, ok)

	ok, msg, err := s.Store(ctx, memory.New("pgvector integration round trip", []string{"it"}, "note"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "duplicate")

	results, err := s.Retrieve(ctx, "pgvector integration round trip", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mem.ContentHash, results[0].Memory.ContentHash)

	matches, err := s.SearchByTag(ctx, []string{"it"})
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.TotalMemories)

	require.NoError(t, s.Delete(ctx, mem.ContentHash))
}
