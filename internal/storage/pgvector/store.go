// Package pgvector implements a storage backend on PostgreSQL with the
// pgvector extension. The server manages vector dimensionality per column
// value, so this backend is exempt from the startup dimension guard; a
// model change surfaces as a query-time dimension error rather than silent
// empties.
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/engram0/engram/db"
	"github.com/engram0/engram/internal/embed"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

const memoryCols = `content_hash, content, tags, memory_type, metadata, created_at`

// Store manages memories backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	connURL  string
	embedder embed.Embedder
	logger   log.Logger
	pool     *pgxpool.Pool
}

// New creates a Store; call Initialize before use.
func New(connURL string, embedder embed.Embedder, logger log.Logger) (*Store, error) {
	if connURL == "" {
		return nil, fmt.Errorf("%w: postgres connection url is required", storage.ErrConfiguration)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", storage.ErrConfiguration)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		connURL:  connURL,
		embedder: embedder,
		logger:   logger.With("component", "pgvector"),
	}, nil
}

// Initialize runs pending migrations and opens the connection pool.
func (s *Store) Initialize(ctx context.Context) error {
	if err := db.Migrate(s.connURL, s.logger); err != nil {
		return fmt.Errorf("%w: running schema migrations: %v", storage.ErrInitialization, err)
	}

	pool, err := pgxpool.New(ctx, s.connURL)
	if err != nil {
		return fmt.Errorf("%w: creating connection pool: %v", storage.ErrInitialization, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: pinging database: %v", storage.ErrInitialization, err)
	}
	s.pool = pool

	s.logger.Info("pgvector store initialized", "model_dimension", s.embedder.Dimension())
	return nil
}

// Store persists a memory. Duplicate content hashes are rejected as
// ok=false via ON CONFLICT DO NOTHING.
func (s *Store) Store(ctx context.Context, mem *memory.Memory) (bool, string, error) {
	vec, err := s.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return false, "", fmt.Errorf("embedding content: %w", err)
	}

	tags := mem.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO memories (content_hash, content, tags, memory_type, metadata, created_at, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (content_hash) DO NOTHING`,
		mem.ContentHash, mem.Content, tags, mem.MemoryType, mem.Metadata, mem.CreatedAt,
		pgv.NewVector(vec))
	if err != nil {
		return false, "", fmt.Errorf("inserting memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Sprintf("duplicate content (hash %s already stored)", mem.ContentHash), nil
	}
	return true, fmt.Sprintf("memory stored with hash %s", mem.ContentHash), nil
}

// Retrieve returns the n most similar memories by cosine similarity,
// computed server-side with the <=> operator.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.QueryResult, error) {
	if n <= 0 {
		n = 5
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+`, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgv.NewVector(vec), n)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var results []storage.QueryResult
	for rows.Next() {
		var (
			mem        memory.Memory
			similarity float64
		)
		if err := rows.Scan(&mem.ContentHash, &mem.Content, &mem.Tags, &mem.MemoryType,
			&mem.Metadata, &mem.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		results = append(results, storage.QueryResult{Memory: mem, Similarity: float32(similarity)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}
	return results, nil
}

// SearchByTag returns memories carrying any of the given tags, newest
// first, using the GIN index on the tags array.
func (s *Store) SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+`
		 FROM memories
		 WHERE tags && $1
		 ORDER BY created_at DESC`,
		tags)
	if err != nil {
		return nil, fmt.Errorf("querying by tag: %w", err)
	}
	defer rows.Close()

	var matches []memory.Memory
	for rows.Next() {
		var mem memory.Memory
		if err := rows.Scan(&mem.ContentHash, &mem.Content, &mem.Tags, &mem.MemoryType,
			&mem.Metadata, &mem.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		matches = append(matches, mem)
	}
	return matches, rows.Err()
}

// Delete removes the memory with the given content hash.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE content_hash = $1`, contentHash)
	if err != nil {
		return fmt.Errorf("deleting memory %s: %w", contentHash, err)
	}
	return nil
}

// Stats reports memory and distinct-tag counts plus the relation size.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats

	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&stats.TotalMemories)
	if err != nil {
		return stats, fmt.Errorf("counting memories: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT tag) FROM memories, unnest(tags) AS tag`).Scan(&stats.TotalTags)
	if err != nil {
		return stats, fmt.Errorf("counting tags: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT pg_total_relation_size('memories')`).Scan(&stats.SizeBytes)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return stats, fmt.Errorf("measuring relation size: %w", err)
	}
	return stats, nil
}

// Name identifies the backend kind.
func (s *Store) Name() string { return storage.KindPgvector.String() }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
