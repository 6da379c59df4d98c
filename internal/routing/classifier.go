package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
)

const (
	// DefaultClassifierTimeout bounds a single classification call
	DefaultClassifierTimeout = 15 * time.Second
	defaultLLMConfidence     = 0.6
	maxReasonRunes           = 200
)

// IntentClassifier decides a domain when the keyword heuristic is
// inconclusive. Implementations never fail; errors become fallback intents.
type IntentClassifier interface {
	Classify(ctx context.Context, message, requested string) Intent
}

// LLMClassifier asks a completion model to pick a domain and extract
// entities from the message.
type LLMClassifier struct {
	completer llm.Completer
	domains   []string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewLLMClassifier creates a classifier over the given retrieval domains.
// The neutral domain is always a valid answer.
func NewLLMClassifier(completer llm.Completer, domains []string, timeout time.Duration, logger *zap.Logger) *LLMClassifier {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMClassifier{completer: completer, domains: domains, timeout: timeout, logger: logger}
}

func (c *LLMClassifier) valid(domain string) bool {
	if domain == rag.DomainGeneral {
		return true
	}
	for _, d := range c.domains {
		if d == domain {
			return true
		}
	}
	return false
}

func (c *LLMClassifier) fallbackDomain(requested string) string {
	if c.valid(requested) {
		return requested
	}
	return rag.DomainGeneral
}

func (c *LLMClassifier) prompt(message string) string {
	options := append(append([]string(nil), c.domains...), rag.DomainGeneral)
	var b strings.Builder
	b.WriteString("You are a knowledge-base router and entity extractor.\n")
	b.WriteString("1. Route the user question to exactly one of: ")
	b.WriteString(strings.Join(options, " / "))
	b.WriteString(".\n")
	b.WriteString("   movie: films, actors, directors, plots, watch lists.\n")
	b.WriteString("   edu: students, courses, attendance, enrollment, discipline, grades.\n")
	b.WriteString("   general: anything else.\n")
	b.WriteString("2. Extract entities: low_level for concrete names (titles, people), high_level for abstract concepts (genres, relations).\n\n")
	b.WriteString("Reply with JSON only:\n")
	fmt.Fprintf(&b, `{"domain": "%s", "confidence": 0-1, "reason": "...", "extracted_entities": {"low_level": [...], "high_level": [...]}}`,
		strings.Join(options, "|"))
	b.WriteString("\nUser question: ")
	b.WriteString(message)
	return b.String()
}

type completion struct {
	text string
	err  error
}

// Classify never returns an error: a deadline yields method "timeout", any
// other failure method "fallback", both with zero confidence.
func (c *LLMClassifier) Classify(ctx context.Context, message, requested string) Intent {
	requested = NormalizeDomain(requested)
	start := time.Now()
	defer func() { metrics.ClassifierLatency.Observe(time.Since(start).Seconds()) }()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan completion, 1)
	go func() {
		text, err := c.completer.Complete(callCtx, c.prompt(message))
		done <- completion{text: text, err: err}
	}()

	var res completion
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = completion{err: callCtx.Err()}
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("Intent classification timed out", zap.Duration("timeout", c.timeout))
			return Intent{
				Domain: c.fallbackDomain(requested),
				Method: MethodTimeout,
				Reason: fmt.Sprintf("route timeout after %s", c.timeout),
			}
		}
		c.logger.Warn("Intent classification failed", zap.Error(res.err))
		return Intent{
			Domain: c.fallbackDomain(requested),
			Method: MethodFallback,
			Reason: res.err.Error(),
		}
	}

	return c.interpret(res.text, requested)
}

func (c *LLMClassifier) interpret(text, requested string) Intent {
	parsed := ParseLooseObject(text)

	domain := NormalizeDomain(stringField(parsed, "domain"))
	if domain == "" {
		domain = NormalizeDomain(stringField(parsed, "kb_prefix"))
	}
	if !c.valid(domain) {
		domain = c.fallbackDomain(requested)
	}

	return Intent{
		Domain:     domain,
		Confidence: confidenceField(parsed),
		Method:     MethodLLM,
		Reason:     truncateRunes(strings.Join(strings.Fields(stringField(parsed, "reason")), " "), maxReasonRunes),
		Entities:   entitiesField(parsed),
	}
}

// ParseLooseObject decodes a JSON object from model output, falling back to
// the span between the first '{' and the last '}'. It returns nil when no
// object can be recovered.
func ParseLooseObject(text string) map[string]interface{} {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || start >= end {
		return nil
	}
	out = nil
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func confidenceField(m map[string]interface{}) float64 {
	conf := defaultLLMConfidence
	switch v := m["confidence"].(type) {
	case float64:
		conf = v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			conf = f
		}
	}
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func entitiesField(m map[string]interface{}) *Entities {
	raw, ok := m["extracted_entities"].(map[string]interface{})
	if !ok {
		return nil
	}
	low, lowOK := raw["low_level"].([]interface{})
	high, highOK := raw["high_level"].([]interface{})
	if !lowOK || !highOK {
		return nil
	}
	return &Entities{LowLevel: toStrings(low), HighLevel: toStrings(high)}
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
