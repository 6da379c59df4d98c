// Package debug records what happened during one chat request so it can be
// inspected after the stream has finished.
package debug

import (
	"strings"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

// DefaultMaxContextChars caps the stored combined context
const DefaultMaxContextChars = 20000

// ErrorEntry is one stream-level error
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Performance is derived from the execution log
type Performance struct {
	TotalMs      int64 `json:"total_duration_ms"`
	RetrievalMs  int64 `json:"retrieval_duration_ms"`
	GenerationMs int64 `json:"generation_duration_ms"`
	RoutingMs    int64 `json:"routing_duration_ms"`
	NodeCount    int   `json:"node_count"`
	ErrorCount   int   `json:"error_count"`
}

// Record is the stored debug view of one request
type Record struct {
	RequestID       string                     `json:"request_id"`
	UserID          string                     `json:"user_id"`
	SessionID       string                     `json:"session_id"`
	Timestamp       time.Time                  `json:"timestamp"`
	RouteDecision   *routing.Decision          `json:"route_decision"`
	ExecutionLog    []rag.LogEntry             `json:"execution_log"`
	ProgressEvents  []streaming.Progress       `json:"progress_events"`
	ErrorEvents     []ErrorEntry               `json:"error_events"`
	RAGRuns         []streaming.RunSummary     `json:"rag_runs"`
	CombinedContext *streaming.CombinedContext `json:"combined_context,omitempty"`
	TimingsMs       map[string]int64           `json:"timings_ms"`
	Performance     Performance                `json:"performance_metrics"`
}

// Collector accumulates pipeline events for one request. It is safe for
// concurrent use.
type Collector struct {
	mu         sync.Mutex
	rec        Record
	maxContext int
	now        func() time.Time
}

// NewCollector starts a record for requestID
func NewCollector(requestID, userID, sessionID string) *Collector {
	c := &Collector{maxContext: DefaultMaxContextChars, now: time.Now}
	c.rec = Record{
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		Timestamp: c.now(),
		TimingsMs: map[string]int64{},
	}
	return c
}

// Observe folds one pipeline event into the record. Events whose payload
// does not match their status are ignored.
func (c *Collector) Observe(ev streaming.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Status {
	case streaming.StatusRouteDecision:
		if d, ok := ev.Content.(routing.Decision); ok {
			c.rec.RouteDecision = &d
		}
	case streaming.StatusExecutionLog:
		if e, ok := ev.Content.(rag.LogEntry); ok {
			if e.Timestamp.IsZero() {
				e.Timestamp = c.now()
			}
			c.rec.ExecutionLog = append(c.rec.ExecutionLog, e)
		}
	case streaming.StatusProgress:
		if p, ok := ev.Content.(streaming.Progress); ok {
			c.rec.ProgressEvents = append(c.rec.ProgressEvents, p)
		}
	case streaming.StatusError:
		c.rec.ErrorEvents = append(c.rec.ErrorEvents, ErrorEntry{Message: ev.Message, Timestamp: c.now()})
	case streaming.StatusRAGRuns:
		if runs, ok := ev.Content.([]streaming.RunSummary); ok {
			c.rec.RAGRuns = append([]streaming.RunSummary(nil), runs...)
		}
	case streaming.StatusCombinedContext:
		if cc, ok := ev.Content.(streaming.CombinedContext); ok {
			if runes := []rune(cc.Text); len(runes) > c.maxContext {
				cc.Text = string(runes[:c.maxContext])
				cc.Truncated = true
			}
			c.rec.CombinedContext = &cc
		}
	}
}

// SetTimings records per-stage durations
func (c *Collector) SetTimings(timings map[string]time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for stage, d := range timings {
		c.rec.TimingsMs[stage] = d.Milliseconds()
	}
}

// Snapshot returns a copy of the record with performance metrics filled in
func (c *Collector) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.rec
	out.ExecutionLog = append([]rag.LogEntry(nil), c.rec.ExecutionLog...)
	out.ProgressEvents = append([]streaming.Progress(nil), c.rec.ProgressEvents...)
	out.ErrorEvents = append([]ErrorEntry(nil), c.rec.ErrorEvents...)
	out.RAGRuns = append([]streaming.RunSummary(nil), c.rec.RAGRuns...)
	out.TimingsMs = make(map[string]int64, len(c.rec.TimingsMs))
	for k, v := range c.rec.TimingsMs {
		out.TimingsMs[k] = v
	}
	out.Performance = performance(out.ExecutionLog)
	return out
}

func performance(log []rag.LogEntry) Performance {
	p := Performance{NodeCount: len(log)}
	if len(log) == 0 {
		return p
	}

	var sum int64
	for _, e := range log {
		ms := e.Duration.Milliseconds()
		sum += ms
		switch classify(e) {
		case "retrieval":
			p.RetrievalMs += ms
		case "generation":
			p.GenerationMs += ms
		case "routing":
			p.RoutingMs += ms
		}
		if entryFailed(e) {
			p.ErrorCount++
		}
	}

	first, last := log[0].Timestamp, log[len(log)-1].Timestamp
	switch {
	case len(log) == 1:
		p.TotalMs = log[0].Duration.Milliseconds()
	case !first.IsZero() && !last.IsZero():
		p.TotalMs = last.Sub(first).Milliseconds()
	default:
		p.TotalMs = sum
	}
	return p
}

// classify buckets an entry by node type, falling back to its node name
func classify(e rag.LogEntry) string {
	switch strings.ToLower(e.NodeType) {
	case "retrieval", "search":
		return "retrieval"
	case "generation", "llm":
		return "generation"
	case "routing", "route", "decision", "plan":
		return "routing"
	case "":
	default:
		return ""
	}

	name := strings.ToLower(e.Node)
	switch {
	case containsAny(name, "retrieval", "search", "rag"):
		return "retrieval"
	case containsAny(name, "generation", "llm", "generate", "answer"):
		return "generation"
	case containsAny(name, "route", "decision", "plan"):
		return "routing"
	}
	return ""
}

func entryFailed(e rag.LogEntry) bool {
	if e.Data == nil {
		return false
	}
	if status, _ := e.Data["status"].(string); status == "error" {
		return true
	}
	switch v := e.Data["error"].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case *string:
		return v != nil && *v != ""
	default:
		return true
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
