package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/workername"
)

// RemoteConfig maps domains to retrieval worker base URLs. The "*" entry
// serves every domain without its own endpoint.
type RemoteConfig struct {
	Endpoints map[string]string `mapstructure:"endpoints"`
}

func (c RemoteConfig) endpoint(domain string) (string, bool) {
	if base, ok := c.Endpoints[domain]; ok && base != "" {
		return strings.TrimRight(base, "/"), true
	}
	if base, ok := c.Endpoints["*"]; ok && base != "" {
		return strings.TrimRight(base, "/"), true
	}
	return "", false
}

// Remote calls a retrieval worker over HTTP:
// POST {base}/v1/workers/{worker}/retrieve
type Remote struct {
	addr   workername.Parsed
	url    string
	client *http.Client
	logger *zap.Logger
}

type remoteResponse struct {
	Output
	Error string `json:"error,omitempty"`
}

// NewRemoteConstructor returns a Constructor that builds Remote strategies.
// A nil client uses http.DefaultClient; per-run deadlines come from ctx.
func NewRemoteConstructor(cfg RemoteConfig, client *http.Client, logger *zap.Logger) Constructor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(addr workername.Parsed) (Strategy, error) {
		base, ok := cfg.endpoint(addr.Domain)
		if !ok {
			return nil, fmt.Errorf("no retrieval endpoint for domain %q", addr.Domain)
		}
		return &Remote{
			addr:   addr,
			url:    base + "/v1/workers/" + url.PathEscape(addr.Key()) + "/retrieve",
			client: client,
			logger: logger.With(zap.String("worker", addr.Key())),
		}, nil
	}
}

// Execute implements Strategy
func (r *Remote) Execute(ctx context.Context, q Query) (Output, error) {
	if q.Domain == "" {
		q.Domain = r.addr.Domain
	}
	body, err := json.Marshal(struct {
		Query
		Strategy string `json:"strategy"`
		Mode     string `json:"mode"`
	}{q, r.addr.Strategy, r.addr.Mode})
	if err != nil {
		return Output{}, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, r.url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := r.client.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Output{}, fmt.Errorf("%w: %d %s", ErrRemote, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Output{}, fmt.Errorf("decode retrieval response: %w", err)
	}
	if out.Error != "" {
		return Output{}, errors.New(out.Error)
	}
	r.logger.Debug("Retrieval worker responded",
		zap.Int("evidence", len(out.Evidence)),
		zap.Int("answer_len", len(out.Answer)),
	)
	return out.Output, nil
}
