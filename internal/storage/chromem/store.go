// Package chromem implements a storage backend on chromem-go, a pure Go
// embedded vector database. Collections in chromem are created per run and
// carry no fixed schema, so this backend adapts to whatever model the
// service is configured with and is exempt from the startup dimension
// guard.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/engram0/engram/internal/embed"
	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
	"github.com/engram0/engram/internal/storage"
)

const collectionName = "memories"

// Store is the chromem-go backend.
type Store struct {
	path     string
	embedder embed.Embedder
	logger   log.Logger

	db  *chromemgo.DB
	col *chromemgo.Collection
}

// New creates a Store persisting under dir; an empty dir keeps everything
// in memory, which the tests use.
func New(dir string, embedder embed.Embedder, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		path:     dir,
		embedder: embedder,
		logger:   logger.With("component", "chromem"),
	}
}

// Initialize opens the database and the memories collection.
func (s *Store) Initialize(_ context.Context) error {
	var (
		db  *chromemgo.DB
		err error
	)
	if s.path == "" {
		db = chromemgo.NewDB()
	} else {
		db, err = chromemgo.NewPersistentDB(s.path, false)
		if err != nil {
			return fmt.Errorf("%w: opening chromem database: %v", storage.ErrInitialization, err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, embed.ToEmbeddingFunc(s.embedder))
	if err != nil {
		return fmt.Errorf("%w: opening collection: %v", storage.ErrInitialization, err)
	}

	s.db = db
	s.col = col
	s.logger.Info("chromem store initialized", "path", s.path, "documents", col.Count())
	return nil
}

// Store persists a memory as one document keyed by its content hash.
// Duplicates are rejected as ok=false.
func (s *Store) Store(ctx context.Context, mem *memory.Memory) (bool, string, error) {
	if _, err := s.col.GetByID(ctx, mem.ContentHash); err == nil {
		return false, fmt.Sprintf("duplicate content (hash %s already stored)", mem.ContentHash), nil
	}

	vec, err := s.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return false, "", fmt.Errorf("embedding content: %w", err)
	}

	meta, err := encodeMetadata(mem)
	if err != nil {
		return false, "", err
	}

	doc := chromemgo.Document{
		ID:        mem.ContentHash,
		Content:   mem.Content,
		Embedding: vec,
		Metadata:  meta,
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return false, "", fmt.Errorf("adding document: %w", err)
	}
	return true, fmt.Sprintf("memory stored with hash %s", mem.ContentHash), nil
}

// Retrieve returns the n most similar memories. chromem rejects queries
// asking for more results than the collection holds, so the limit is
// clamped first.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]storage.QueryResult, error) {
	if n <= 0 {
		n = 5
	}
	if count := s.col.Count(); count < n {
		if count == 0 {
			return nil, nil
		}
		n = count
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	raw, err := s.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]storage.QueryResult, 0, len(raw))
	for _, r := range raw {
		mem, err := decodeResult(r)
		if err != nil {
			s.logger.Warn("skipping undecodable document", "id", r.ID, "error", err)
			continue
		}
		results = append(results, storage.QueryResult{Memory: *mem, Similarity: r.Similarity})
	}
	return results, nil
}

// SearchByTag scans the collection for memories carrying any of the given
// tags. chromem metadata filters are exact-match only, so tag membership
// is checked after export.
func (s *Store) SearchByTag(ctx context.Context, tags []string) ([]memory.Memory, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	// A zero query vector against the full collection acts as an export.
	probe := make([]float32, s.embedder.Dimension())
	probe[0] = 1
	raw, err := s.col.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("scanning collection: %w", err)
	}

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	var matches []memory.Memory
	for _, r := range raw {
		mem, err := decodeResult(r)
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

// Delete removes the document with the given content hash.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	if err := s.col.Delete(ctx, nil, nil, contentHash); err != nil {
		// Deleting a missing document is not an error for callers.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("deleting document %s: %w", contentHash, err)
	}
	return nil
}

// Stats reports the document count; chromem does not expose on-disk size
// per collection.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	stats := storage.Stats{TotalMemories: s.col.Count()}

	if stats.TotalMemories > 0 {
		probe := make([]float32, s.embedder.Dimension())
		probe[0] = 1
		raw, err := s.col.QueryEmbedding(ctx, probe, stats.TotalMemories, nil, nil)
		if err != nil {
			return stats, fmt.Errorf("scanning collection: %w", err)
		}
		distinct := make(map[string]bool)
		for _, r := range raw {
			mem, err := decodeResult(r)
			if err != nil {
				continue
			}
			for _, t := range mem.Tags {
				distinct[t] = true
			}
		}
		stats.TotalTags = len(distinct)
	}
	return stats, nil
}

// Name identifies the backend kind.
func (s *Store) Name() string { return storage.KindChromem.String() }

// Close is a no-op; chromem persists documents as they are written.
func (s *Store) Close() error { return nil }

func encodeMetadata(mem *memory.Memory) (map[string]string, error) {
	tags, err := json.Marshal(mem.Tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	meta := map[string]string{
		"tags":        string(tags),
		"memory_type": mem.MemoryType,
		"created_at":  mem.CreatedAt.Format(time.RFC3339),
	}
	if len(mem.Metadata) > 0 {
		extra, err := json.Marshal(mem.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		meta["metadata"] = string(extra)
	}
	return meta, nil
}

func decodeResult(r chromemgo.Result) (*memory.Memory, error) {
	mem := &memory.Memory{
		Content:     r.Content,
		ContentHash: r.ID,
		MemoryType:  r.Metadata["memory_type"],
	}
	if raw := r.Metadata["tags"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if raw := r.Metadata["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if raw := r.Metadata["created_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("decoding created_at: %w", err)
		}
		mem.CreatedAt = t
	}
	return mem, nil
}
