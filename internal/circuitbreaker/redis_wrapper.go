package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker. service labels
// the breaker metrics (e.g. "embedding-cache").
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	if service == "" {
		service = "redis-client"
	}
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

func (rw *RedisWrapper) guard(ctx context.Context, call func() error) error {
	err := rw.cb.Execute(ctx, call)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil)
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var res *redis.StatusCmd
	err := rw.guard(ctx, func() error {
		res = rw.client.Ping(ctx)
		return res.Err()
	})
	if res == nil {
		res = redis.NewStatusCmd(ctx)
		res.SetErr(err)
	}
	return res
}

// Get wraps Redis Get. A missing key is not a breaker failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var res *redis.StringCmd
	err := rw.guard(ctx, func() error {
		res = rw.client.Get(ctx, key)
		if errors.Is(res.Err(), redis.Nil) {
			return nil
		}
		return res.Err()
	})
	if res == nil {
		res = redis.NewStringCmd(ctx)
		res.SetErr(err)
	}
	return res
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var res *redis.StatusCmd
	err := rw.guard(ctx, func() error {
		res = rw.client.Set(ctx, key, value, expiration)
		return res.Err()
	})
	if res == nil {
		res = redis.NewStatusCmd(ctx)
		res.SetErr(err)
	}
	return res
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var res *redis.IntCmd
	err := rw.guard(ctx, func() error {
		res = rw.client.Del(ctx, keys...)
		return res.Err()
	})
	if res == nil {
		res = redis.NewIntCmd(ctx)
		res.SetErr(err)
	}
	return res
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
