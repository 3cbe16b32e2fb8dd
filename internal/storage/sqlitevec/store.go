// Package sqlitevec implements the default embedded vector store on a
// single-file SQLite database. Embeddings are stored as little-endian
// float32 blobs and similarity search runs as a full scan with cosine
// similarity in Go — appropriate for the short-record, small-corpus
// workload this service serves.
//
// The index is schema-bound: the embedding dimensionality is recorded in a
// meta table when the store is first created, so the store participates in
// the startup dimension guard.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/engram0/engram/internal/embed"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	content_hash TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	tags         TEXT,
	memory_type  TEXT,
	metadata     TEXT,
	created_at   INTEGER NOT NULL,
	embedding    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const dimensionKey = "embedding_dimension"

// Store is the embedded sqlite-vec backend.
type Store struct {
	dbPath   string
	embedder embed.Embedder
	logger   log.Logger
	db       *sql.DB
}

// New creates a Store; call Initialize before use.
func New(dbPath string, embedder embed.Embedder, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		dbPath:   dbPath,
		embedder: embedder,
		logger:   logger.With("component", "sqlitevec"),
	}
}

// Initialize opens the database, applies the schema, and records the
// embedding dimensionality if the index is being created for the first
// time.
func (s *Store) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o750); err != nil {
		return fmt.Errorf("%w: creating database directory: %v", storage.ErrInitialization, err)
	}

	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("%w: opening database: %v", storage.ErrInitialization, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: pinging database: %v", storage.ErrInitialization, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: applying schema: %v", storage.ErrInitialization, err)
	}
	s.db = db

	dim, err := s.storedDimension(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading index dimension: %v", storage.ErrInitialization, err)
	}
	if dim == 0 {
		if err := s.setDimension(ctx, s.embedder.Dimension()); err != nil {
			return fmt.Errorf("%w: recording index dimension: %v", storage.ErrInitialization, err)
		}
		dim = s.embedder.Dimension()
	}

	s.logger.Info("sqlite-vec store initialized",
		"path", s.dbPath,
		"index_dimension", dim,
		"model_dimension", s.embedder.Dimension(),
	)
	return nil
}

func (s *Store) storedDimension(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, dimensionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func (s *Store) setDimension(ctx context.Context, dim int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		dimensionKey, strconv.Itoa(dim))
	return err
}

// Store persists a memory, embedding its content. Duplicate content (same
// content hash) is rejected as ok=false, not an error.
func (s *Store) Store(ctx context.Context, mem *memory.Memory) (bool, string, error) {
	vec, err := s.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return false, "", fmt.Errorf("embedding content: %w", err)
	}

	tags, err := json.Marshal(mem.Tags)
	if err != nil {
		return false, "", fmt.Errorf("encoding tags: %w", err)
	}
	meta, err := json.Marshal(mem.Metadata)
	if err != nil {
		return false, "", fmt.Errorf("encoding metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (content_hash, content, tags, memory_type, metadata, created_at, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		mem.ContentHash, mem.Content, string(tags), mem.MemoryType, string(meta),
		mem.CreatedAt.Unix(), encodeVector(vec))
	if err != nil {
		return false, "", fmt.Errorf("inserting memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("checking insert result: %w", err)
	}
	if affected == 0 {
		return false, fmt.Sprintf("duplicate content (hash %s already stored)", mem.ContentHash), nil
	}

	s.logger.Debug("memory stored", "content_hash", mem.ContentHash, "dimension", len(vec))
	return true, fmt.Sprintf("memory stored with hash %s", mem.ContentHash), nil
}

// Retrieve embeds the query and returns the n most similar memories by
// cosine similarity, descending. Rows whose stored vector length does not
// match the query vector are skipped — exactly the silent-empty-results
// failure mode the dimension guard repairs at startup.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.QueryResult, error) {
	if n <= 0 {
		n = 5
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, content, tags, memory_type, metadata, created_at, embedding FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("scanning memories: %w", err)
	}
	defer rows.Close()

	var results []storage.QueryResult
	for rows.Next() {
		mem, vec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if len(vec) != len(queryVec) {
			continue
		}
		results = append(results, storage.QueryResult{
			Memory:     *mem,
			Similarity: cosineSimilarity(queryVec, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// SearchByTag returns memories carrying any of the given tags, newest
// first.
func (s *Store) SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, content, tags, memory_type, metadata, created_at, embedding
		 FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("scanning memories: %w", err)
	}
	defer rows.Close()

	var matches []memory.Memory
	for rows.Next() {
		mem, _, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range mem.Tags {
			if want[t] {
				matches = append(matches, *mem)
				break
			}
		}
	}
	return matches, rows.Err()
}

// Delete removes the memory with the given content hash.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE content_hash = ?`, contentHash)
	if err != nil {
		return fmt.Errorf("deleting memory %s: %w", contentHash, err)
	}
	return nil
}

// Stats returns memory and distinct-tag counts plus the database file
// size.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories`).Scan(&stats.TotalMemories); err != nil {
		return stats, fmt.Errorf("counting memories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM memories WHERE tags IS NOT NULL`)
	if err != nil {
		return stats, fmt.Errorf("scanning tags: %w", err)
	}
	defer rows.Close()

	distinct := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return stats, err
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			distinct[t] = true
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.TotalTags = len(distinct)

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// Name identifies the backend kind.
func (s *Store) Name() string { return storage.KindSqliteVec.String() }

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Count reports the number of stored records (dimension guard contract).
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// SampleVector returns one stored embedding, or nil when the store is
// empty.
func (s *Store) SampleVector(ctx context.Context) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM memories LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob)
}

// ExportAll reads every record, including its stale vector, for backup.
func (s *Store) ExportAll(ctx context.Context) ([]storage.BackupItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, content, tags, memory_type, metadata, created_at, embedding FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("exporting memories: %w", err)
	}
	defer rows.Close()

	var items []storage.BackupItem
	for rows.Next() {
		mem, vec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, storage.BackupItem{
			ContentHash: mem.ContentHash,
			Content:     mem.Content,
			Tags:        mem.Tags,
			MemoryType:  mem.MemoryType,
			Metadata:    mem.Metadata,
			CreatedAt:   mem.CreatedAt,
			Embedding:   vec,
		})
	}
	return items, rows.Err()
}

// Recreate drops the memories table and rebuilds it bound to the current
// embedding dimensionality.
func (s *Store) Recreate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS memories`); err != nil {
		return fmt.Errorf("dropping index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("recreating schema: %w", err)
	}
	if err := s.setDimension(ctx, s.embedder.Dimension()); err != nil {
		return fmt.Errorf("recording new dimension: %w", err)
	}
	s.logger.Info("index recreated", "dimension", s.embedder.Dimension())
	return nil
}

// scanMemory decodes one row from any query selecting the full column
// set.
func scanMemory(rows *sql.Rows) (*memory.Memory, []float32, error) {
	var (
		mem       memory.Memory
		tags      sql.NullString
		meta      sql.NullString
		createdAt int64
		blob      []byte
	)
	if err := rows.Scan(&mem.ContentHash, &mem.Content, &tags, &mem.MemoryType,
		&meta, &createdAt, &blob); err != nil {
		return nil, nil, fmt.Errorf("scanning row: %w", err)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &mem.Tags); err != nil {
			return nil, nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &mem.Metadata); err != nil {
			return nil, nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	mem.CreatedAt = time.Unix(createdAt, 0).UTC()

	vec, err := decodeVector(blob)
	if err != nil {
		return nil, nil, err
	}
	return &mem, vec, nil
}

// encodeVector packs a float32 vector as a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 vector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob of %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosineSimilarity computes cosine similarity of two equal-length vectors.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
