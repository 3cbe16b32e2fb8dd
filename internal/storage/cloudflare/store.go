// Package cloudflare implements a storage backend on Cloudflare's managed
// services: Vectorize holds embeddings, D1 holds memory rows, and Workers
// AI produces embeddings server-side. The index schema is managed by
// Cloudflare, so this backend is exempt from the startup dimension guard.
package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

// DefaultEmbeddingModel is the Workers AI model used when none is
// configured.
const DefaultEmbeddingModel = "@cf/baai/bge-base-en-v1.5"

// DefaultLargeContentThreshold is the content size in bytes above which
// the body moves to R2, keeping D1 rows small.
const DefaultLargeContentThreshold = 8192

// Config carries the credentials and resource names for one account.
type Config struct {
	AccountID      string
	APIToken       string
	VectorizeIndex string
	D1Database     string
	EmbeddingModel string
	MaxRetries     int
	BaseDelay      time.Duration

	// R2Bucket, when set, receives memory bodies larger than
	// LargeContentThreshold; the D1 row then carries only the object key.
	R2Bucket              string
	LargeContentThreshold int

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	switch {
	case c.AccountID == "":
		return fmt.Errorf("%w: cloudflare account id is required", storage.ErrConfiguration)
	case c.APIToken == "":
		return fmt.Errorf("%w: cloudflare api token is required", storage.ErrConfiguration)
	case c.VectorizeIndex == "":
		return fmt.Errorf("%w: vectorize index name is required", storage.ErrConfiguration)
	case c.D1Database == "":
		return fmt.Errorf("%w: d1 database id is required", storage.ErrConfiguration)
	}
	return nil
}

// Store is the Cloudflare backend.
type Store struct {
	cfg    Config
	client *client
	logger log.Logger
}

// New creates a Store; Config must already be validated.
func New(cfg Config, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.LargeContentThreshold <= 0 {
		cfg.LargeContentThreshold = DefaultLargeContentThreshold
	}
	logger = logger.With("component", "cloudflare")
	return &Store{
		cfg:    cfg,
		client: newClient(cfg, logger),
		logger: logger,
	}
}

// Initialize ensures the D1 schema exists. Vectorize indexes are created
// out of band with the dashboard or wrangler, so a missing index surfaces
// on first write rather than here.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.client.d1Query(ctx, s.cfg.D1Database, `
		CREATE TABLE IF NOT EXISTS memories (
			content_hash TEXT PRIMARY KEY,
			content      TEXT NOT NULL,
			tags         TEXT,
			memory_type  TEXT,
			metadata     TEXT,
			created_at   INTEGER NOT NULL,
			r2_key       TEXT
		)`)
	if err != nil {
		return fmt.Errorf("%w: creating d1 schema: %v", storage.ErrInitialization, err)
	}
	s.logger.Info("cloudflare store initialized",
		"index", s.cfg.VectorizeIndex,
		"embedding_model", s.cfg.EmbeddingModel,
	)
	return nil
}

// Store embeds the content with Workers AI, writes the row to D1, and
// inserts the vector into Vectorize. Duplicates are rejected as ok=false.
func (s *Store) Store(ctx context.Context, mem *memory.Memory) (bool, string, error) {
	// Fast path: reject known duplicates before paying for the embedding
	// call. The insert below is still conflict-safe, so a concurrent
	// writer slipping past this check cannot corrupt anything.
	rows, err := s.client.d1Query(ctx, s.cfg.D1Database,
		`SELECT 1 FROM memories WHERE content_hash = ?`, mem.ContentHash)
	if err != nil {
		return false, "", fmt.Errorf("checking for duplicate: %w", err)
	}
	if len(rows) > 0 {
		return false, fmt.Sprintf("duplicate content (hash %s already stored)", mem.ContentHash), nil
	}

	vec, err := s.client.embed(ctx, s.cfg.EmbeddingModel, mem.Content)
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

	// Bodies over the threshold move to R2; the row keeps only the key.
	rowContent := mem.Content
	r2Key := ""
	if s.cfg.R2Bucket != "" && len(mem.Content) > s.cfg.LargeContentThreshold {
		r2Key = mem.ContentHash
		if err := s.client.r2Put(ctx, s.cfg.R2Bucket, r2Key, []byte(mem.Content)); err != nil {
			return false, "", fmt.Errorf("uploading content to r2: %w", err)
		}
		rowContent = ""
		s.logger.Debug("offloaded large content to r2",
			"content_hash", mem.ContentHash, "bytes", len(mem.Content))
	}

	changes, err := s.client.d1Exec(ctx, s.cfg.D1Database,
		`INSERT INTO memories (content_hash, content, tags, memory_type, metadata, created_at, r2_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		mem.ContentHash, rowContent, string(tags), mem.MemoryType, string(meta), mem.CreatedAt.Unix(), r2Key)
	if err != nil {
		return false, "", fmt.Errorf("inserting d1 row: %w", err)
	}
	if changes == 0 {
		// A concurrent writer of the same content won the insert. Any R2
		// object we uploaded holds the same bytes under the same key, so
		// it stays.
		return false, fmt.Sprintf("duplicate content (hash %s already stored)", mem.ContentHash), nil
	}

	err = s.client.vectorizeInsert(ctx, s.cfg.VectorizeIndex, []vectorizeVector{
		{ID: mem.ContentHash, Values: vec},
	})
	if err != nil {
		// Roll the row back so a retried store does not hit the duplicate
		// check with no vector behind it.
		if _, delErr := s.client.d1Query(ctx, s.cfg.D1Database,
			`DELETE FROM memories WHERE content_hash = ?`, mem.ContentHash); delErr != nil {
			s.logger.Error("orphaned d1 row after vectorize failure",
				"content_hash", mem.ContentHash, "error", delErr)
		}
		if r2Key != "" {
			if delErr := s.client.r2Delete(ctx, s.cfg.R2Bucket, r2Key); delErr != nil {
				s.logger.Error("orphaned r2 object after vectorize failure",
					"content_hash", mem.ContentHash, "error", delErr)
			}
		}
		return false, "", fmt.Errorf("inserting vector: %w", err)
	}

	return true, fmt.Sprintf("memory stored with hash %s", mem.ContentHash), nil
}

// Retrieve queries Vectorize for the nearest vectors and joins the matches
// against their D1 rows.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.QueryResult, error) {
	if n <= 0 {
		n = 5
	}
	vec, err := s.client.embed(ctx, s.cfg.EmbeddingModel, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.client.vectorizeQuery(ctx, s.cfg.VectorizeIndex, vec, n)
	if err != nil {
		return nil, fmt.Errorf("querying vectorize: %w", err)
	}

	var results []storage.QueryResult
	for _, m := range matches {
		rows, err := s.client.d1Query(ctx, s.cfg.D1Database,
			`SELECT content_hash, content, tags, memory_type, metadata, created_at, r2_key
			 FROM memories WHERE content_hash = ?`, m.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching d1 row: %w", err)
		}
		if len(rows) == 0 {
			s.logger.Warn("vector match has no d1 row", "content_hash", m.ID)
			continue
		}
		mem, err := s.rowToMemory(ctx, rows[0])
		if err != nil {
			s.logger.Warn("skipping undecodable row", "content_hash", m.ID, "error", err)
			continue
		}
		results = append(results, storage.QueryResult{Memory: *mem, Similarity: m.Score})
	}
	return results, nil
}

// SearchByTag returns memories carrying any of the given tags, newest
// first. Tags live as a JSON array in one D1 column, so membership is
// checked client-side.
func (s *Store) SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	rows, err := s.client.d1Query(ctx, s.cfg.D1Database,
		`SELECT content_hash, content, tags, memory_type, metadata, created_at, r2_key
		 FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("scanning d1 rows: %w", err)
	}

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	var matches []memory.Memory
	for _, row := range rows {
		mem, err := s.rowToMemory(ctx, row)
		if err != nil {
			continue
		}
		for _, t := range mem.Tags {
			if want[t] {
				matches = append(matches, *mem)
				break
			}
		}
	}
	return matches, nil
}

// Delete removes the memory from D1, Vectorize, and R2 when the body
// was offloaded.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if s.cfg.R2Bucket != "" {
		rows, err := s.client.d1Query(ctx, s.cfg.D1Database,
			`SELECT r2_key FROM memories WHERE content_hash = ?`, contentHash)
		if err == nil && len(rows) > 0 {
			if key, _ := rows[0]["r2_key"].(string); key != "" {
				if err := s.client.r2Delete(ctx, s.cfg.R2Bucket, key); err != nil {
					s.logger.Warn("deleting r2 object", "content_hash", contentHash, "error", err)
				}
			}
		}
	}
	if _, err := s.client.d1Query(ctx, s.cfg.D1Database,
		`DELETE FROM memories WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("deleting d1 row: %w", err)
	}
	if err := s.client.vectorizeDelete(ctx, s.cfg.VectorizeIndex, []string{contentHash}); err != nil {
		return fmt.Errorf("deleting vector: %w", err)
	}
	return nil
}

// Stats reports counts from D1.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats

	rows, err := s.client.d1Query(ctx, s.cfg.D1Database, `SELECT COUNT(*) AS n FROM memories`)
	if err != nil {
		return stats, fmt.Errorf("counting memories: %w", err)
	}
	if len(rows) > 0 {
		if n, ok := rows[0]["n"].(float64); ok {
			stats.TotalMemories = int(n)
		}
	}

	tagRows, err := s.client.d1Query(ctx, s.cfg.D1Database,
		`SELECT tags FROM memories WHERE tags IS NOT NULL`)
	if err != nil {
		return stats, fmt.Errorf("scanning tags: %w", err)
	}
	distinct := make(map[string]bool)
	for _, row := range tagRows {
		raw, _ := row["tags"].(string)
		var tags []string
		if json.Unmarshal([]byte(raw), &tags) != nil {
			continue
		}
		for _, t := range tags {
			distinct[t] = true
		}
	}
	stats.TotalTags = len(distinct)
	return stats, nil
}

// Name identifies the backend kind.
func (s *Store) Name() string { return storage.KindCloudflare.String() }

// Close is a no-op; the client holds no persistent connections.
func (s *Store) Close() error { return nil }

// Ping verifies credentials with a cheap D1 round trip.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.d1Query(ctx, s.cfg.D1Database, `SELECT 1`)
	return err
}

// rowToMemory decodes a D1 row, fetching the body from R2 when it was
// offloaded at store time.
func (s *Store) rowToMemory(ctx context.Context, row map[string]any) (*memory.Memory, error) {
	mem := &memory.Memory{}
	mem.ContentHash, _ = row["content_hash"].(string)
	mem.Content, _ = row["content"].(string)
	mem.MemoryType, _ = row["memory_type"].(string)

	if key, _ := row["r2_key"].(string); key != "" {
		data, err := s.client.r2Get(ctx, s.cfg.R2Bucket, key)
		if err != nil {
			return nil, fmt.Errorf("fetching r2 content: %w", err)
		}
		mem.Content = string(data)
	}

	if raw, ok := row["tags"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if raw, ok := row["metadata"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if ts, ok := row["created_at"].(float64); ok {
		mem.CreatedAt = time.Unix(int64(ts), 0).UTC()
	}
	return mem, nil
}
