package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
)

// Router decides the effective domain for a request
type Router interface {
	Decide(ctx context.Context, req routing.Request) routing.Decision
}

// Planner turns a decision into retrieval runs
type Planner interface {
	Plan(domain, strategyName, message string) []rag.RunSpec
}

// Dispatcher executes a plan
type Dispatcher interface {
	RunWithProgress(ctx context.Context, plan []rag.RunSpec, req dispatch.Request, onResult dispatch.ProgressFunc) ([]rag.RunResult, error)
}

// Emitter receives pipeline events in order. It is never called
// concurrently.
type Emitter func(Event)

// Config tunes the pipeline
type Config struct {
	AnswerTimeout           time.Duration
	Aggregate               aggregate.Options
	CombinedContextMaxChars int
	RecommendationsTitle    string
}

// Input is one chat turn
type Input struct {
	RequestID       string
	UserID          string
	SessionID       string
	Message         string
	RequestedDomain string
	Strategy        string
	Debug           bool
	History         []llm.Message
	// Background is conversation memory (summary, recalled episodes)
	// placed ahead of the retrieval context.
	Background string
}

// Result describes a finished pipeline run
type Result struct {
	Decision   routing.Decision
	Plan       []rag.RunSpec
	Runs       []rag.RunResult
	Aggregated *rag.RunResult
	Answer     string
	// Error is the stream-level error message, empty on success
	Error   string
	Timings map[string]time.Duration
}

// Failed reports whether the stream ended with an error event
func (r Result) Failed() bool { return r.Error != "" }

// Pipeline executes route, plan, dispatch, aggregate and generate for one
// turn, emitting stream events as it goes.
type Pipeline struct {
	router     Router
	planner    Planner
	dispatcher Dispatcher
	generator  llm.Generator
	cfg        Config
	logger     *zap.Logger
}

var errAbandoned = errors.New("generation abandoned")

// NewPipeline wires the stages
func NewPipeline(router Router, planner Planner, dispatcher Dispatcher, generator llm.Generator, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 180 * time.Second
	}
	if cfg.CombinedContextMaxChars <= 0 {
		cfg.CombinedContextMaxChars = 20000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		router:     router,
		planner:    planner,
		dispatcher: dispatcher,
		generator:  generator,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run executes the turn. The first event is start and the last is done;
// exactly one done is emitted on every path.
func (p *Pipeline) Run(ctx context.Context, in Input, emit Emitter) Result {
	ctx, span := tracing.StartSpan(ctx, "chat.pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", in.RequestID))

	res := Result{Timings: make(map[string]time.Duration)}
	defer func() {
		if res.Failed() {
			span.SetStatus(codes.Error, res.Error)
		}
		emit(Done())
	}()

	emit(Start(in.RequestID))

	routeStart := time.Now()
	decision := p.router.Decide(ctx, routing.Request{
		Message:         in.Message,
		RequestedDomain: in.RequestedDomain,
		Strategy:        in.Strategy,
	})
	res.Decision = decision
	res.Timings["route"] = time.Since(routeStart)
	span.SetAttributes(attribute.String("rag.effective_domain", decision.EffectiveDomain))
	if in.Debug {
		emit(Debug(StatusRouteDecision, decision))
	}

	var plan []rag.RunSpec
	if decision.Retrieves() {
		plan = p.planner.Plan(decision.EffectiveDomain, decision.Strategy, in.Message)
	}
	res.Plan = plan

	if len(plan) == 0 {
		emit(ProgressEvent(Progress{Stage: StageGeneration}))
		timeout := boundedTimeout(ctx, p.cfg.AnswerTimeout)
		genCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res.Answer, res.Error = p.generate(genCtx, timeout, in, withBackground(in.Background, ""), emit, &res)
		return res
	}

	budget := rag.MaxTimeout(plan) + p.cfg.AnswerTimeout
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if in.Debug {
		strategies := make([]string, len(plan))
		for i, s := range plan {
			strategies[i] = s.Strategy
		}
		emit(Debug(StatusExecutionLog, logEntry("rag_plan", "routing", 0, map[string]interface{}{
			"plan":   strategies,
			"domain": decision.EffectiveDomain,
		})))
	}

	retrievalStart := time.Now()
	emit(ProgressEvent(Progress{Stage: StageRetrieval, Total: len(plan)}))
	completed := 0
	runs, err := p.dispatcher.RunWithProgress(ctx, plan, dispatch.Request{
		Message:   in.Message,
		SessionID: in.SessionID,
		Domain:    decision.EffectiveDomain,
		Debug:     in.Debug,
		RequestID: in.RequestID,
	}, func(_ int, r rag.RunResult) {
		completed++
		emit(ProgressEvent(Progress{
			Stage:         StageRetrieval,
			Completed:     completed,
			Total:         len(plan),
			Error:         strPtr(r.Error),
			Strategy:      r.Strategy,
			EvidenceCount: intPtr(len(r.Evidence)),
		}))
		if in.Debug {
			emit(Debug(StatusExecutionLog, logEntry("rag_retrieval_done", "retrieval", r.Duration, map[string]interface{}{
				"strategy":       r.Strategy,
				"worker_name":    r.WorkerName,
				"error":          strPtr(r.Error),
				"evidence_count": len(r.Evidence),
				"sub_steps":      r.ExecutionLog,
			})))
		}
	})
	res.Timings["retrieval"] = time.Since(retrievalStart)
	if err != nil {
		res.Error = fmt.Sprintf("retrieval failed: %v", err)
		p.logger.Error("Retrieval dispatch failed",
			zap.String("request_id", in.RequestID),
			zap.Error(err),
		)
		emit(ErrorEvent(res.Error))
		return res
	}
	res.Runs = runs

	agg, outcome := aggregate.AggregateWithOutcome(runs, p.cfg.Aggregate)
	metrics.AggregationOutcomes.WithLabelValues(string(outcome)).Inc()
	res.Aggregated = &agg

	genContext := agg.Context
	if strings.TrimSpace(genContext) == "" && !aggregate.IsLowQuality(agg.Answer) {
		genContext = agg.Answer
	}
	genContext = withBackground(in.Background, genContext)

	if in.Debug {
		emit(Debug(StatusRAGRuns, SummarizeRuns(runs)))
		emit(Debug(StatusCombinedContext, p.combinedContext(genContext)))
	}
	if len(agg.Recommendations) > 0 {
		emit(RecommendationsEvent(agg.Recommendations, p.cfg.RecommendationsTitle))
	}

	emit(ProgressEvent(Progress{Stage: StageGeneration, Completed: len(runs), Total: len(plan)}))

	timeout := boundedTimeout(ctx, p.cfg.AnswerTimeout)
	if timeout <= 0 {
		res.Error = fmt.Sprintf("answer generation timed out: request budget of %s exhausted", budget)
		emit(ErrorEvent(res.Error))
		return res
	}
	genCtx, genCancel := context.WithTimeout(ctx, timeout)
	defer genCancel()
	res.Answer, res.Error = p.generate(genCtx, timeout, in, genContext, emit, &res)
	return res
}

// boundedTimeout caps limit by the time left before ctx's deadline.
func boundedTimeout(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	if remaining := time.Until(deadline); remaining < limit {
		return remaining
	}
	return limit
}

// generate streams tokens from the generator. A generator that ignores its
// context is abandoned at the deadline and later deltas are discarded.
// timeout is the deadline applied to ctx and is only used for reporting.
func (p *Pipeline) generate(ctx context.Context, timeout time.Duration, in Input, genContext string, emit Emitter, res *Result) (string, string) {
	ctx, span := tracing.StartSpan(ctx, "chat.generate")
	defer span.End()
	start := time.Now()

	var (
		mu     sync.Mutex
		closed bool
		answer strings.Builder
		chunks int
	)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.generator.Stream(ctx, llm.GenerateRequest{
			Question: in.Message,
			Context:  genContext,
			History:  in.History,
		}, func(delta string) error {
			if delta == "" {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return errAbandoned
			}
			answer.WriteString(delta)
			chunks++
			emit(Token(delta))
			return nil
		})
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	mu.Lock()
	closed = true
	text := answer.String()
	n := chunks
	mu.Unlock()

	elapsed := time.Since(start)
	res.Timings["generation"] = elapsed

	status := "success"
	var msg string
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
		msg = fmt.Sprintf("answer generation timed out after %s", timeout.Round(time.Millisecond))
	case errors.Is(err, context.Canceled):
		status = "cancelled"
		msg = "answer generation cancelled"
	default:
		status = "error"
		msg = fmt.Sprintf("answer generation failed: %v", err)
	}
	metrics.GenerationDuration.WithLabelValues(status).Observe(elapsed.Seconds())

	if msg != "" {
		span.SetStatus(codes.Error, msg)
		p.logger.Warn("Answer generation failed",
			zap.String("request_id", in.RequestID),
			zap.String("status", status),
			zap.Error(err),
		)
		emit(ErrorEvent(msg))
	}
	if in.Debug {
		node := "answer_done"
		if msg != "" {
			node = "answer_" + status
		}
		emit(Debug(StatusExecutionLog, logEntry(node, "generation", elapsed, map[string]interface{}{
			"generated_chars": len([]rune(text)),
			"chunk_count":     n,
			"error":           strPtr(msg),
		})))
	}
	return text, msg
}

func (p *Pipeline) combinedContext(text string) CombinedContext {
	runes := []rune(text)
	out := CombinedContext{TotalChars: len(runes), MaxChars: p.cfg.CombinedContextMaxChars}
	if len(runes) > p.cfg.CombinedContextMaxChars {
		out.Text = string(runes[:p.cfg.CombinedContextMaxChars])
		out.Truncated = true
	} else {
		out.Text = text
	}
	return out
}

// SummarizeRuns reduces run results to their debug summaries
func SummarizeRuns(runs []rag.RunResult) []RunSummary {
	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = RunSummary{
			Strategy:      r.Strategy,
			WorkerName:    r.WorkerName,
			EvidenceCount: len(r.Evidence),
			ContextLength: len([]rune(r.Context)),
			Error:         strPtr(r.Error),
			DurationMs:    r.Duration.Milliseconds(),
		}
	}
	return out
}

func logEntry(node, nodeType string, d time.Duration, data map[string]interface{}) rag.LogEntry {
	return rag.LogEntry{
		Node:      node,
		NodeType:  nodeType,
		Duration:  d,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func withBackground(background, retrieved string) string {
	background = strings.TrimSpace(background)
	retrieved = strings.TrimSpace(retrieved)
	switch {
	case background == "":
		return retrieved
	case retrieved == "":
		return "### Conversation background\n\n" + background
	default:
		return "### Conversation background\n\n" + background + "\n\n---\n\n" + retrieved
	}
}
