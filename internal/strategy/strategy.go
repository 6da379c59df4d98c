package strategy

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
)

// Query is the input to one retrieval run
type Query struct {
	Message   string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Output is what a strategy returns for a successful run
type Output struct {
	Answer          string             `json:"answer"`
	Context         string             `json:"context,omitempty"`
	Reference       *rag.ReferenceSet  `json:"reference,omitempty"`
	Evidence        []rag.EvidenceItem `json:"evidence,omitempty"`
	Log             []rag.LogEntry     `json:"execution_log,omitempty"`
	Recommendations []int64            `json:"recommendations,omitempty"`
}

// Strategy is one retrieval capability. Implementations must honour ctx
// cancellation; retries, if any, are the implementation's concern.
type Strategy interface {
	Execute(ctx context.Context, q Query) (Output, error)
}

// Func adapts a plain function to Strategy.
type Func func(ctx context.Context, q Query) (Output, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, q Query) (Output, error) { return f(ctx, q) }
