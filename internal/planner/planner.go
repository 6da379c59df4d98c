package planner

import (
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/strategy"
)

const (
	// DefaultTimeout bounds a single-strategy plan
	DefaultTimeout = 30 * time.Second
	// FanOutTimeout bounds each retrieval strategy in a fan-out plan
	FanOutTimeout = 25 * time.Second
	// FusionTimeout bounds the wrap-up strategy in a fan-out plan
	FusionTimeout = 60 * time.Second
)

// DefaultTriggers are the phrases that turn a movie query into a fan-out plan.
var DefaultTriggers = []string{
	"recommend", "compare", "top", "list", "summary", "difference",
	"推荐", "对比", "比较", "排行", "总结", "区别", "盘点",
}

// Policy decides the plan for one domain.
type Policy struct {
	// Triggers switch the plan to FanOut when any is contained in the
	// lower-cased message. Empty means the domain never fans out.
	Triggers []string
	FanOut   []rag.RunSpec
	Timeout  time.Duration
}

// Planner maps domains to policies. Unknown domains get a single-entry plan.
type Planner struct {
	policies map[string]Policy
}

// New creates a planner with the given per-domain policies.
func New(policies map[string]Policy) *Planner {
	p := &Planner{policies: make(map[string]Policy, len(policies))}
	for d, pol := range policies {
		p.policies[d] = pol
	}
	return p
}

// Default returns the planner used by the service: "movie" fans out on
// comparison/recommendation style queries, "edu" always runs one strategy.
func Default() *Planner {
	return New(map[string]Policy{
		"movie": {
			Triggers: DefaultTriggers,
			FanOut: []rag.RunSpec{
				{Strategy: string(strategy.KindHybrid), Timeout: FanOutTimeout},
				{Strategy: string(strategy.KindGraph), Timeout: FanOutTimeout},
				{Strategy: string(strategy.KindNaiveRAG), Timeout: FanOutTimeout},
				{Strategy: string(strategy.KindFusion), Timeout: FusionTimeout},
			},
		},
		"edu": {},
	})
}

// Plan returns the ordered runs for a message. It has no side effects and
// returns a fresh slice on every call.
func (p *Planner) Plan(domain, strategyName, message string) []rag.RunSpec {
	domain = strings.TrimSpace(domain)
	if domain == "" || domain == rag.DomainGeneral {
		return nil
	}
	if strategyName == "" {
		strategyName = string(strategy.DefaultKind)
	}

	pol, ok := p.policies[domain]
	timeout := DefaultTimeout
	if ok && pol.Timeout > 0 {
		timeout = pol.Timeout
	}

	if ok && len(pol.FanOut) > 0 && matchesAny(message, pol.Triggers) {
		out := make([]rag.RunSpec, len(pol.FanOut))
		copy(out, pol.FanOut)
		return out
	}
	return []rag.RunSpec{{Strategy: strategyName, Timeout: timeout}}
}

func matchesAny(message string, triggers []string) bool {
	lower := strings.ToLower(message)
	for _, t := range triggers {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
