package embeddings

import (
	"context"
	"errors"
	"time"
)

// ErrNoEmbedding is returned when the service answered without a vector
var ErrNoEmbedding = errors.New("no embeddings returned")

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the LLM service providing /embeddings/
	BaseURL string
	// Model is the embedding model (e.g., text-embedding-3-small)
	Model string
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// CacheTTL sets TTL for shared cache entries
	CacheTTL time.Duration
	// LocalTTL sets TTL for in-process cache entries
	LocalTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}
