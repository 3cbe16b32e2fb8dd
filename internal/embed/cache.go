package embed

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/engram0/engram/internal/memory"
)

// cached decorates an Embedder with a ristretto cache keyed by the content
// fingerprint. It is intended for the query path, where the same search
// text is frequently re-embedded; the store path should use the underlying
// embedder directly since stored content rarely repeats.
type cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// cacheCost approximates the memory cost of one cached vector. Vector
// float data dominates; 4 bytes per dimension is close enough for
// admission purposes.
func cacheCost(v []float32) int64 {
	return int64(len(v) * 4)
}

// NewCached wraps an Embedder with an in-process embedding cache holding
// up to maxBytes of vector data.
func NewCached(inner Embedder, maxBytes int64) (Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &cached{inner: inner, cache: cache}, nil
}

func (c *cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := memory.Fingerprint(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, cacheCost(vec))
	return vec, nil
}

func (c *cached) Dimension() int { return c.inner.Dimension() }
func (c *cached) Name() string   { return c.inner.Name() }
