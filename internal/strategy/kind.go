package strategy

import "fmt"

// Kind identifies a retrieval strategy implementation
type Kind string

const (
	KindHybrid       Kind = "hybrid_agent"
	KindGraph        Kind = "graph_agent"
	KindNaiveRAG     Kind = "naive_rag_agent"
	KindFusion       Kind = "fusion_agent"
	KindDeepResearch Kind = "deep_research_agent"
)

// DefaultKind is used when a caller or router does not name a strategy.
const DefaultKind = KindHybrid

var knownKinds = []Kind{KindHybrid, KindGraph, KindNaiveRAG, KindFusion, KindDeepResearch}

// Kinds returns every known strategy kind.
func Kinds() []Kind {
	out := make([]Kind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// ParseKind maps a strategy name to a known Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range knownKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string { return string(k) }
