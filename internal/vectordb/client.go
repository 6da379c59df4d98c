// Package vectordb is a minimal Qdrant HTTP client and the episode store
// built on it.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
)

// ErrDisabled is returned by every call on a disabled client
var ErrDisabled = errors.New("vectordb disabled")

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient creates a client. A disabled client rejects every call.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "conversation_episodes"
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	httpw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "qdrant", "vectordb", logger)
	return &Client{cfg: cfg, base: base, httpw: httpw, log: logger}
}

// Config returns the effective configuration
func (c *Client) Config() Config { return c.cfg }

type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantSearchResponse struct {
	Result []Point `json:"result"`
	Status string  `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	var (
		req *http.Request
		err error
	)
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// Search queries collection with vec. It prefers /points/query and falls back
// to the legacy /points/search endpoint.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter map[string]interface{}) ([]Point, error) {
	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	start := time.Now()
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	resp, err := c.do(ctx, http.MethodPost, urlQuery, qdrantQueryRequest{
		Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter,
	})
	if err != nil {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var qr qdrantQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result.Points, nil
	}

	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	if threshold > 0 {
		legacy["score_threshold"] = threshold
	}
	if filter != nil {
		legacy["filter"] = filter
	}
	resp2, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), legacy)
	if err != nil {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// Upsert inserts or updates one or more points into a collection
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Ping checks that Qdrant answers
func (c *Client) Ping(ctx context.Context) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}
	resp, err := c.do(ctx, http.MethodGet, c.base+"/collections", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	return nil
}

// IsCircuitBreakerOpen reports whether calls are being rejected
func (c *Client) IsCircuitBreakerOpen() bool { return c.httpw.IsCircuitBreakerOpen() }
