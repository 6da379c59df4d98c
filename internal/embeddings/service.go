package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
)

// Service provides embedding generation with a two-level cache. Concurrent
// requests for the same text share one upstream call.
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	cache  EmbeddingCache
	lru    *LocalLRU
	group  singleflight.Group
	logger *zap.Logger
}

// NewService creates the service. cache may be nil.
func NewService(cfg Config, cache EmbeddingCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LocalTTL == 0 {
		cfg.LocalTTL = 30 * time.Minute
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "embeddings", "embedding-client", logger)
	return &Service{
		cfg:    cfg,
		http:   hw,
		cache:  cache,
		lru:    NewLocalLRU(cfg.MaxLRU, cfg.LocalTTL),
		logger: logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed implements Embedder
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.cached(ctx, key); ok {
		return v, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		vecs, err := s.fetch(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		s.store(ctx, key, vecs[0])
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *Service) cached(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues("embedding_lru").Inc()
		return v, true
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, s.cfg.LocalTTL)
			metrics.CacheHits.WithLabelValues("embedding_redis").Inc()
			return v, true
		}
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()
	return nil, false
}

func (s *Service) store(ctx context.Context, key string, v []float32) {
	s.lru.Set(ctx, key, v, s.cfg.LocalTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
	}
}

func (s *Service) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := s.cfg.BaseURL + "/embeddings/"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: s.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "empty", time.Since(start).Seconds())
		return nil, ErrNoEmbedding
	}

	out := make([][]float32, len(er.Embeddings))
	for i, src := range er.Embeddings {
		vec := make([]float32, len(src))
		for j, f := range src {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}
