package routing

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/strategy"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/workername"
)

// Route methods
const (
	MethodHeuristic = "heuristic"
	MethodLLM       = "llm"
	MethodTimeout   = "timeout"
	MethodFallback  = "fallback"
)

// Entities are extracted by the classifier for downstream enrichment
type Entities struct {
	LowLevel  []string `json:"low_level"`
	HighLevel []string `json:"high_level"`
}

// Intent is the output of intent detection
type Intent struct {
	Domain     string
	Confidence float64
	Method     string
	Reason     string
	Entities   *Entities
}

// Decision is the route decision for one request. Stages return modified
// copies; a Decision is never changed after the engine returns it.
type Decision struct {
	RequestedDomain   string    `json:"requested_domain"`
	RoutedDomain      string    `json:"routed_domain"`
	EffectiveDomain   string    `json:"effective_domain"`
	Confidence        float64   `json:"confidence"`
	Method            string    `json:"method"`
	Reason            string    `json:"reason"`
	WorkerName        string    `json:"worker_name"`
	Strategy          string    `json:"strategy,omitempty"`
	ExtractedEntities *Entities `json:"extracted_entities,omitempty"`
}

// Retrieves reports whether the decision leads to retrieval
func (d Decision) Retrieves() bool {
	return d.EffectiveDomain != "" && d.EffectiveDomain != rag.DomainGeneral
}

// Policy controls intent detection and the override stage
type Policy struct {
	AutoRoute     bool
	AllowOverride bool
	MinConfidence float64
}

// DefaultPolicy matches the service defaults
func DefaultPolicy() Policy {
	return Policy{AutoRoute: true, AllowOverride: true, MinConfidence: 0.75}
}

// Request is the routing input
type Request struct {
	Message         string
	RequestedDomain string
	Strategy        string
}

// NormalizeDomain trims whitespace and a trailing ':'
func NormalizeDomain(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ":")
	return strings.TrimSpace(s)
}

// Engine runs DetectIntent, ApplyOverride and SelectWorker in order
type Engine struct {
	policy     Policy
	rules      *RuleSet
	classifier IntentClassifier
	domains    map[string]bool
	logger     *zap.Logger
}

// NewEngine builds an engine. domains lists the retrieval domains the
// service can serve; effective domains outside it resolve to "general".
// classifier may be nil, in which case an inconclusive heuristic leaves the
// routed domain empty.
func NewEngine(policy Policy, rules *RuleSet, classifier IntentClassifier, domains []string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = NormalizeDomain(d)
		if d != "" && d != workername.ForbiddenDomain && d != rag.DomainGeneral {
			known[d] = true
		}
	}
	return &Engine{policy: policy, rules: rules, classifier: classifier, domains: known, logger: logger}
}

// Policy returns the engine's policy
func (e *Engine) Policy() Policy { return e.policy }

// Decide produces the route decision for a request
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	ctx, span := tracing.StartSpan(ctx, "route.decide")
	defer span.End()

	d := Decision{
		RequestedDomain: NormalizeDomain(req.RequestedDomain),
		Strategy:        strings.TrimSpace(req.Strategy),
	}
	d = e.DetectIntent(ctx, d, req.Message)
	d = ApplyOverride(d, e.policy)
	d.EffectiveDomain = e.canonical(d.EffectiveDomain)
	d = SelectWorker(d)

	metrics.RecordRouteDecision(d.Method, d.RequestedDomain, d.RoutedDomain, d.EffectiveDomain)
	e.logger.Debug("Route decided",
		zap.String("requested", d.RequestedDomain),
		zap.String("routed", d.RoutedDomain),
		zap.String("effective", d.EffectiveDomain),
		zap.String("method", d.Method),
		zap.Float64("confidence", d.Confidence),
		zap.String("worker", d.WorkerName),
	)
	return d
}

// DetectIntent fills the routed fields. It is a no-op when auto-routing is
// off; the keyword heuristic runs first and the classifier only when the
// heuristic is inconclusive.
func (e *Engine) DetectIntent(ctx context.Context, d Decision, message string) Decision {
	if !e.policy.AutoRoute {
		return d
	}
	var intent Intent
	if e.rules != nil {
		if hit, ok := Heuristic(message, e.rules.Rules()); ok {
			intent = hit
		}
	}
	if intent.Method == "" && e.classifier != nil {
		intent = e.classifier.Classify(ctx, message, d.RequestedDomain)
	}
	d.RoutedDomain = NormalizeDomain(intent.Domain)
	d.Confidence = intent.Confidence
	d.Method = intent.Method
	d.Reason = intent.Reason
	d.ExtractedEntities = intent.Entities
	return d
}

// ApplyOverride chooses the effective domain from requested and routed
func ApplyOverride(d Decision, p Policy) Decision {
	requested := NormalizeDomain(d.RequestedDomain)
	routed := NormalizeDomain(d.RoutedDomain)

	switch {
	case !p.AutoRoute:
		d.EffectiveDomain = orGeneral(requested)
	case requested == "":
		d.EffectiveDomain = orGeneral(routed)
	case routed == "":
		d.EffectiveDomain = requested
	case !p.AllowOverride:
		d.EffectiveDomain = requested
	case d.Confidence < p.MinConfidence:
		d.EffectiveDomain = requested
	default:
		d.EffectiveDomain = routed
	}
	return d
}

// SelectWorker derives the worker name from the effective domain. The
// neutral domain has no worker.
func SelectWorker(d Decision) Decision {
	domain := NormalizeDomain(d.EffectiveDomain)
	if domain == "" || domain == rag.DomainGeneral {
		d.WorkerName = ""
		return d
	}
	if d.Strategy == "" {
		d.Strategy = string(strategy.DefaultKind)
	}
	d.WorkerName = workername.Format(domain, d.Strategy, workername.ModeRetrieveOnly)
	return d
}

func (e *Engine) canonical(domain string) string {
	domain = NormalizeDomain(domain)
	if domain == "" || domain == rag.DomainGeneral {
		return rag.DomainGeneral
	}
	if e.domains[domain] {
		return domain
	}
	e.logger.Debug("Unknown domain resolved to general", zap.String("domain", domain))
	return rag.DomainGeneral
}

func orGeneral(domain string) string {
	if domain == "" {
		return rag.DomainGeneral
	}
	return domain
}
