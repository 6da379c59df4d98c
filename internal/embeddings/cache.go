package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
)

// EmbeddingCache defines cache operations
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is an in-process LRU with a fixed TTL per entry
type LocalLRU struct {
	lru *expirable.LRU[string, []float32]
}

// NewLocalLRU creates an LRU holding up to capacity vectors for ttl
func NewLocalLRU(capacity int, ttl time.Duration) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{lru: expirable.NewLRU[string, []float32](capacity, nil, ttl)}
}

// Get returns a cached vector
func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	return l.lru.Get(key)
}

// Set stores v; the per-call ttl is ignored in favour of the LRU's own
func (l *LocalLRU) Set(_ context.Context, key string, v []float32, _ time.Duration) {
	l.lru.Add(key, v)
}

// Len returns the number of live entries
func (l *LocalLRU) Len() int { return l.lru.Len() }

// RedisCache stores vectors as little-endian float32 bytes behind a
// circuit-breaker wrapped client.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisCache wraps an existing client
func NewRedisCache(cli *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{cli: cli}
}

// Get implements EmbeddingCache. Errors and malformed values count as misses.
func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeVector(b)
}

// Set implements EmbeddingCache. Write failures are ignored.
func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.cli.Set(ctx, key, encodeVector(v), ttl).Err()
}

func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

// MakeKey derives the cache key for (model, text)
func MakeKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:16])
}
