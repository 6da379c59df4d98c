package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCheckTimeout = 5 * time.Second
	slowThreshold       = 100 * time.Millisecond
)

// BreakerState reports whether a dependency's circuit breaker is open
type BreakerState interface {
	IsCircuitBreakerOpen() bool
}

func breakerOpen(b BreakerState) bool {
	return b != nil && b.IsCircuitBreakerOpen()
}

func pingResult(component string, critical bool, start time.Time, err error, details map[string]interface{}) CheckResult {
	result := CheckResult{
		Component: component,
		Critical:  critical,
		Timestamp: start,
		Duration:  time.Since(start),
		Details:   details,
	}
	if result.Details == nil {
		result.Details = map[string]interface{}{}
	}
	result.Details["latency_ms"] = result.Duration.Milliseconds()

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = component + " ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = component + " responding with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = component + " healthy"
	}
	return result
}

func openResult(component string, critical bool, start time.Time) CheckResult {
	return CheckResult{
		Component: component,
		Critical:  critical,
		Timestamp: start,
		Duration:  time.Since(start),
		Status:    StatusUnhealthy,
		Error:     "circuit breaker open",
		Message:   component + " circuit breaker is open",
	}
}

// RedisChecker pings the telemetry and debug Redis
type RedisChecker struct {
	client   *redis.Client
	breaker  BreakerState
	critical bool
}

// NewRedisChecker creates a Redis checker. breaker may be nil.
func NewRedisChecker(client *redis.Client, breaker BreakerState, critical bool) *RedisChecker {
	return &RedisChecker{client: client, breaker: breaker, critical: critical}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return r.critical }
func (r *RedisChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if breakerOpen(r.breaker) {
		return openResult(r.Name(), r.critical, start)
	}
	err := r.client.Ping(ctx).Err()
	return pingResult(r.Name(), r.critical, start, err, nil)
}

// DatabaseChecker pings the conversation database
type DatabaseChecker struct {
	db      *sqlx.DB
	breaker BreakerState
}

// NewDatabaseChecker creates a database checker. breaker may be nil.
func NewDatabaseChecker(db *sqlx.DB, breaker BreakerState) *DatabaseChecker {
	return &DatabaseChecker{db: db, breaker: breaker}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if breakerOpen(d.breaker) {
		return openResult(d.Name(), true, start)
	}
	err := d.db.PingContext(ctx)
	stats := d.db.Stats()
	result := pingResult(d.Name(), true, start, err, map[string]interface{}{
		"driver":               d.db.DriverName(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	})
	if err == nil && stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "database connection pool exhausted"
	}
	return result
}

// Pinger is a dependency with a liveness call, such as the vector store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger. The vector store is non-critical because
// recall degrades to no background.
type PingChecker struct {
	name     string
	target   Pinger
	breaker  BreakerState
	critical bool
}

// NewPingChecker wraps target under name. breaker may be nil.
func NewPingChecker(name string, target Pinger, breaker BreakerState, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, breaker: breaker, critical: critical}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if breakerOpen(p.breaker) {
		return openResult(p.name, p.critical, start)
	}
	return pingResult(p.name, p.critical, start, p.target.Ping(ctx), nil)
}

// HTTPChecker issues GET {baseURL}{path} and expects a non-5xx answer
type HTTPChecker struct {
	name     string
	url      string
	client   *http.Client
	critical bool
}

// NewHTTPChecker probes an HTTP collaborator such as the LLM service or a
// retrieval worker
func NewHTTPChecker(name, baseURL, path string, critical bool) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		url:      strings.TrimRight(baseURL, "/") + path,
		client:   &http.Client{Timeout: defaultCheckTimeout},
		critical: critical,
	}
}

func (h *HTTPChecker) Name() string           { return h.name }
func (h *HTTPChecker) IsCritical() bool       { return h.critical }
func (h *HTTPChecker) Timeout() time.Duration { return defaultCheckTimeout }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return pingResult(h.name, h.critical, start, err, nil)
	}
	resp, err := h.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return pingResult(h.name, h.critical, start, err, map[string]interface{}{"url": h.url})
}

// FuncChecker wraps a plain function
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) CheckResult
}

// NewFuncChecker creates a checker from fn
func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, fn: fn}
}

func (f *FuncChecker) Name() string                          { return f.name }
func (f *FuncChecker) IsCritical() bool                      { return f.critical }
func (f *FuncChecker) Timeout() time.Duration                { return defaultCheckTimeout }
func (f *FuncChecker) Check(ctx context.Context) CheckResult { return f.fn(ctx) }
