package streaming

import (
	"encoding/json"
)

// Status discriminates stream events
type Status string

const (
	StatusStart           Status = "start"
	StatusProgress        Status = "progress"
	StatusToken           Status = "token"
	StatusError           Status = "error"
	StatusRecommendations Status = "recommendations"
	StatusDone            Status = "done"

	// Recorded for debugging; never part of the default wire stream
	StatusRouteDecision   Status = "route_decision"
	StatusExecutionLog    Status = "execution_log"
	StatusRAGRuns         Status = "rag_runs"
	StatusCombinedContext Status = "combined_context"
)

// Progress stages
const (
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
)

// Event is one pipeline event. Content holds the status-specific payload.
type Event struct {
	Status    Status      `json:"status"`
	RequestID string      `json:"request_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Progress is the payload of a progress event
type Progress struct {
	Stage         string  `json:"stage"`
	Completed     int     `json:"completed"`
	Total         int     `json:"total"`
	Error         *string `json:"error"`
	Strategy      string  `json:"strategy,omitempty"`
	EvidenceCount *int    `json:"evidence_count,omitempty"`
}

// Recommendations is the payload of a recommendations event
type Recommendations struct {
	IDs   []int64 `json:"ids"`
	Title string  `json:"title,omitempty"`
}

// CombinedContext is the debug payload describing generation context
type CombinedContext struct {
	Text       string `json:"text"`
	TotalChars int    `json:"total_chars"`
	MaxChars   int    `json:"max_chars"`
	Truncated  bool   `json:"truncated"`
}

// RunSummary is one entry of a rag_runs event
type RunSummary struct {
	Strategy      string  `json:"strategy"`
	WorkerName    string  `json:"worker_name,omitempty"`
	EvidenceCount int     `json:"evidence_count"`
	ContextLength int     `json:"context_length"`
	Error         *string `json:"error"`
	DurationMs    int64   `json:"duration_ms"`
}

// Start opens a stream
func Start(requestID string) Event {
	return Event{Status: StatusStart, RequestID: requestID}
}

// ProgressEvent wraps a progress payload
func ProgressEvent(p Progress) Event {
	return Event{Status: StatusProgress, Content: p}
}

// Token carries one generated text increment
func Token(content string) Event {
	return Event{Status: StatusToken, Content: content}
}

// ErrorEvent reports a stream-level failure
func ErrorEvent(message string) Event {
	return Event{Status: StatusError, Message: message}
}

// RecommendationsEvent carries recommended item ids
func RecommendationsEvent(ids []int64, title string) Event {
	return Event{Status: StatusRecommendations, Content: Recommendations{IDs: ids, Title: title}}
}

// Done terminates a stream
func Done() Event {
	return Event{Status: StatusDone}
}

// Debug builds a cache-only event
func Debug(status Status, content interface{}) Event {
	return Event{Status: status, Content: content}
}

// Internal reports whether the event kind belongs to the debug record only
func (e Event) Internal() bool {
	switch e.Status {
	case StatusRouteDecision, StatusExecutionLog, StatusRAGRuns, StatusCombinedContext:
		return true
	}
	return false
}

// Forwarded reports whether the event reaches the client. Route decisions
// are forwarded in debug mode; other internal kinds never are.
func (e Event) Forwarded(debug bool) bool {
	if !e.Internal() {
		return true
	}
	return debug && e.Status == StatusRouteDecision
}

// TokenText returns the token content, or "" for other kinds
func (e Event) TokenText() string {
	if e.Status != StatusToken {
		return ""
	}
	s, _ := e.Content.(string)
	return s
}

// Marshal returns the JSON encoding of the event
func (e Event) Marshal() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		b, _ = json.Marshal(ErrorEvent("event encoding failed: " + err.Error()))
	}
	return b
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(n int) *int { return &n }
