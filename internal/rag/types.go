package rag

import (
	"fmt"
	"time"
)

// ErrTimeout is the error recorded on a run that exceeded its deadline.
const ErrTimeout = "timeout"

// Known knowledge-base domains. DomainGeneral means "no retrieval".
const (
	DomainGeneral = "general"
	DomainMovie   = "movie"
	DomainEdu     = "edu"
)

// RunSpec describes one retrieval run in a plan
type RunSpec struct {
	Strategy string        `json:"strategy"`
	Timeout  time.Duration `json:"timeout"`
	// WorkerName, when set, addresses the run directly instead of the
	// request's effective domain.
	WorkerName string `json:"worker_name,omitempty"`
}

// ReferenceSet holds the ids a run cited
type ReferenceSet struct {
	Chunks        []string `json:"chunks"`
	Entities      []string `json:"entities"`
	Relationships []string `json:"relationships"`
}

// Empty reports whether the set carries no ids.
func (r *ReferenceSet) Empty() bool {
	return r == nil || (len(r.Chunks) == 0 && len(r.Entities) == 0 && len(r.Relationships) == 0)
}

// EvidenceItem is a scored snippet returned by a strategy
type EvidenceItem struct {
	Score        float64                `json:"score"`
	Granularity  string                 `json:"granularity"`
	EvidenceText string                 `json:"evidence,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SourceID returns metadata.source_id as a string.
func (e EvidenceItem) SourceID() string {
	return e.metaString("source_id")
}

// SourceType returns metadata.source_type as a string.
func (e EvidenceItem) SourceType() string {
	return e.metaString("source_type")
}

// Confidence returns metadata.confidence, or ok=false when absent or not numeric.
func (e EvidenceItem) Confidence() (float64, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata["confidence"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func (e EvidenceItem) metaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	switch v := e.Metadata[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// LogEntry is one step a strategy reports in its execution log
type LogEntry struct {
	Node      string                 `json:"node"`
	NodeType  string                 `json:"node_type,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RunResult is produced once per dispatched run and never mutated afterwards
type RunResult struct {
	Strategy        string         `json:"agent_type"`
	WorkerName      string         `json:"worker_name,omitempty"`
	Answer          string         `json:"answer"`
	Context         string         `json:"context,omitempty"`
	Reference       *ReferenceSet  `json:"reference,omitempty"`
	Evidence        []EvidenceItem `json:"evidence,omitempty"`
	ExecutionLog    []LogEntry     `json:"execution_log,omitempty"`
	Recommendations []int64        `json:"recommendations,omitempty"`
	Error           string         `json:"error,omitempty"`
	Duration        time.Duration  `json:"duration,omitempty"`
}

// Failed reports whether the run recorded an error.
func (r RunResult) Failed() bool {
	return r.Error != ""
}

// MaxTimeout returns the longest run timeout in plan.
func MaxTimeout(plan []RunSpec) time.Duration {
	var max time.Duration
	for _, s := range plan {
		if s.Timeout > max {
			max = s.Timeout
		}
	}
	return max
}
