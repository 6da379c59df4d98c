// Package dispatch runs an execution plan concurrently, one goroutine per
// run, each bounded by its own deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/strategy"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/workername"
)

// Resolver maps a run to its strategy instance.
type Resolver interface {
	Resolve(domain, strategyName string) (strategy.Strategy, workername.Parsed, error)
	ResolveWorker(name string) (strategy.Strategy, workername.Parsed, error)
}

// Request carries the per-request inputs shared by every run
type Request struct {
	Message   string
	SessionID string
	Domain    string
	Debug     bool
	RequestID string
}

// ProgressFunc is called once per finished run, in completion order, from the
// goroutine that called RunWithProgress.
type ProgressFunc func(index int, result rag.RunResult)

// Dispatcher executes plans against a Resolver
type Dispatcher struct {
	resolver Resolver
	logger   *zap.Logger
}

// New creates a dispatcher
func New(resolver Resolver, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{resolver: resolver, logger: logger}
}

// Run executes plan and returns one result per run, in plan order.
func (d *Dispatcher) Run(ctx context.Context, plan []rag.RunSpec, req Request) ([]rag.RunResult, error) {
	return d.RunWithProgress(ctx, plan, req, nil)
}

type bound struct {
	spec rag.RunSpec
	impl strategy.Strategy
	addr workername.Parsed
}

type completion struct {
	index  int
	result rag.RunResult
}

// RunWithProgress executes plan, calling onResult as each run finishes.
// Addressing errors abort before any run starts; run failures are recorded
// in the corresponding RunResult.
func (d *Dispatcher) RunWithProgress(ctx context.Context, plan []rag.RunSpec, req Request, onResult ProgressFunc) ([]rag.RunResult, error) {
	runs, err := d.bind(plan, req.Domain)
	if err != nil {
		return nil, err
	}
	metrics.PlanSize.Observe(float64(len(runs)))

	results := make([]rag.RunResult, len(runs))
	if len(runs) == 0 {
		return results, nil
	}

	done := make(chan completion, len(runs))
	for i := range runs {
		go func(i int, run bound) {
			done <- completion{index: i, result: d.execute(ctx, run, req)}
		}(i, runs[i])
	}

	for n := 0; n < len(runs); n++ {
		c := <-done
		results[c.index] = c.result
		if onResult != nil {
			onResult(c.index, c.result)
		}
	}
	return results, nil
}

func (d *Dispatcher) bind(plan []rag.RunSpec, domain string) ([]bound, error) {
	runs := make([]bound, len(plan))
	for i, spec := range plan {
		var (
			impl strategy.Strategy
			addr workername.Parsed
			err  error
		)
		if spec.WorkerName != "" {
			impl, addr, err = d.resolver.ResolveWorker(spec.WorkerName)
		} else {
			impl, addr, err = d.resolver.Resolve(domain, spec.Strategy)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve run %d (%s): %w", i, spec.Strategy, err)
		}
		runs[i] = bound{spec: spec, impl: impl, addr: addr}
	}
	return runs, nil
}

type outcome struct {
	out strategy.Output
	err error
}

func (d *Dispatcher) execute(parent context.Context, run bound, req Request) rag.RunResult {
	name := run.spec.Strategy
	if name == "" {
		name = run.addr.Strategy
	}
	worker := run.addr.Key()
	start := time.Now()

	ctx, span := tracing.StartRunSpan(parent, name, worker)
	defer span.End()

	runCtx, cancel := runContext(ctx, run.spec.Timeout)
	defer cancel()

	query := strategy.Query{
		Message:   req.Message,
		SessionID: req.SessionID,
		Domain:    run.addr.Domain,
		Debug:     req.Debug,
		RequestID: req.RequestID,
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := run.impl.Execute(runCtx, query)
		ch <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-ch:
	case <-runCtx.Done():
		// Strategies that ignore ctx are abandoned at their deadline.
		res = outcome{err: runCtx.Err()}
	}

	result := rag.RunResult{
		Strategy:   name,
		WorkerName: worker,
		Duration:   time.Since(start),
	}
	status := "success"
	switch {
	case res.err == nil:
		result.Answer = res.out.Answer
		result.Context = res.out.Context
		result.Reference = res.out.Reference
		result.Evidence = res.out.Evidence
		result.ExecutionLog = res.out.Log
		result.Recommendations = res.out.Recommendations
	case isTimeout(runCtx, res.err):
		status = rag.ErrTimeout
		result.Error = rag.ErrTimeout
	default:
		status = "error"
		if errors.Is(res.err, context.Canceled) {
			status = "cancelled"
		}
		result.Error = res.err.Error()
	}

	if result.Failed() {
		span.SetStatus(codes.Error, result.Error)
	}
	metrics.RecordRetrievalRun(name, status, result.Duration.Seconds())
	d.logger.Info("Retrieval run finished",
		zap.String("request_id", req.RequestID),
		zap.String("strategy", name),
		zap.String("worker", worker),
		zap.String("status", status),
		zap.Duration("duration", result.Duration),
		zap.Int("evidence", len(result.Evidence)),
	)
	return result
}

func runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

func isTimeout(runCtx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)
}
