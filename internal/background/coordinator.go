// Package background runs fire-and-forget jobs that are deduplicated by key
// and bounded by a concurrency limit.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
)

// DefaultMaxConcurrency is the number of jobs allowed to run at once
const DefaultMaxConcurrency = 4

// Job is one unit of background work
type Job func(ctx context.Context) error

// Coordinator runs at most one job per key at a time. Excess jobs wait on a
// weighted semaphore.
type Coordinator struct {
	name   string
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. name labels logs and metrics.
// A nil sem gets a private one with DefaultMaxConcurrency slots; pass a shared
// semaphore to bound several coordinators together.
func NewCoordinator(name string, sem *semaphore.Weighted, logger *zap.Logger) *Coordinator {
	if sem == nil {
		sem = semaphore.NewWeighted(DefaultMaxConcurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		name:     name,
		sem:      sem,
		logger:   logger.With(zap.String("coordinator", name)),
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Schedule starts job unless one with the same key is already pending or
// running. It returns false for a duplicate or after Shutdown. It never
// blocks on the job itself.
func (c *Coordinator) Schedule(key string, job Job) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.inFlight[key]; dup {
		c.mu.Unlock()
		metrics.RecordBackgroundJob(c.name, "deduplicated")
		return false
	}
	c.inFlight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.BackgroundJobsInFlight.WithLabelValues(c.name).Inc()
	go c.run(key, job)
	return true
}

// InFlight reports whether a job for key is pending or running
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

func (c *Coordinator) run(key string, job Job) {
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		metrics.BackgroundJobsInFlight.WithLabelValues(c.name).Dec()
		c.wg.Done()
	}()

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		metrics.RecordBackgroundJob(c.name, "cancelled")
		return
	}
	defer c.sem.Release(1)

	start := time.Now()
	err := c.safeRun(job)
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
		c.logger.Warn("Background job failed",
			zap.String("key", key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
	metrics.RecordBackgroundJob(c.name, outcome)
}

func (c *Coordinator) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(c.ctx)
}

// Shutdown stops accepting jobs, cancels running ones and waits until all
// have returned or ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", c.name, ctx.Err())
	}
}
