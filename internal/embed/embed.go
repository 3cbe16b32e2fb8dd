// Package embed defines the embedding contract consumed by the storage
// backends and provides the production implementation bridging Genkit
// embedders, plus a ristretto-backed cache for the query path.
//
// Dimensionality is a property of the active model and is assumed stable
// for the process lifetime; the storage dimension guard exists to handle
// the one case where stored vectors no longer match it.
package embed

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	chromem "github.com/philippgille/chromem-go"
)

// Embedder converts text to a fixed-length numeric vector.
type Embedder interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed length of vectors this embedder
	// produces.
	Dimension() int

	// Name identifies the underlying model.
	Name() string
}

// ModelDimensions maps known embedding model identifiers to the vector
// dimensionality they produce.
var ModelDimensions = map[string]int{
	"all-MiniLM-L6-v2":          384,
	"all-mpnet-base-v2":         768,
	"nomic-embed-text":          768,
	"gemini-embedding-001":      768, // truncated output, Matryoshka representation
	"@cf/baai/bge-base-en-v1.5": 768,
}

// DimensionFor returns the dimensionality for a known model identifier.
func DimensionFor(model string) (int, bool) {
	d, ok := ModelDimensions[model]
	return d, ok
}

// genkitEmbedder adapts a Genkit ai.Embedder to the Embedder interface.
type genkitEmbedder struct {
	embedder ai.Embedder
	model    string
	dim      int
}

// NewGenkit wraps a Genkit ai.Embedder. dim must be the dimensionality the
// model is known to produce.
func NewGenkit(embedder ai.Embedder, model string, dim int) Embedder {
	return &genkitEmbedder{embedder: embedder, model: model, dim: dim}
}

func (g *genkitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			ai.DocumentFromText(text, nil),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for model %q", g.model)
	}
	return resp.Embeddings[0].Embedding, nil
}

func (g *genkitEmbedder) Dimension() int { return g.dim }
func (g *genkitEmbedder) Name() string   { return g.model }

// ToEmbeddingFunc bridges an Embedder to chromem-go's EmbeddingFunc.
// chromem-go normalizes vectors itself, so no manual normalization is
// needed here.
func ToEmbeddingFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}
