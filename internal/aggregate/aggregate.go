// Package aggregate merges the results of one dispatch into a single answer.
package aggregate

import (
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/strategy"
)

// Evidence selection orders for answer synthesis
const (
	SelectByScore      = "score"
	SelectByConfidence = "confidence"
	SelectFirst        = "first"
)

const (
	defaultMaxEvidence = 3
	defaultMaxChars    = 1500

	contextSeparator = "\n\n---\n\n"
)

// DefaultPreferredOrder ranks strategies when the caller gives no order.
var DefaultPreferredOrder = []string{
	string(strategy.KindHybrid),
	string(strategy.KindGraph),
	string(strategy.KindNaiveRAG),
}

var lowQualityPrefixes = []string{
	"不知道",
	"我不知道",
	"未找到相关信息",
	"没有找到相关",
	"I don't know",
	"No relevant information",
}

// Options tune ranking and synthesis. Zero values select the defaults.
type Options struct {
	PreferredOrder   []string
	MaxEvidence      int
	MaxChars         int
	EvidenceStrategy string
}

func (o Options) withDefaults() Options {
	if len(o.PreferredOrder) == 0 {
		o.PreferredOrder = DefaultPreferredOrder
	}
	if o.MaxEvidence <= 0 {
		o.MaxEvidence = defaultMaxEvidence
	}
	if o.MaxChars <= 0 {
		o.MaxChars = defaultMaxChars
	}
	switch s := strings.ToLower(strings.TrimSpace(o.EvidenceStrategy)); s {
	case SelectByScore, SelectByConfidence, SelectFirst:
		o.EvidenceStrategy = s
	default:
		o.EvidenceStrategy = SelectByScore
	}
	return o
}

// Outcome describes how the answer was chosen
type Outcome string

const (
	OutcomeRanked      Outcome = "ranked"
	OutcomePromoted    Outcome = "promoted"
	OutcomeSynthesized Outcome = "synthesized"
	OutcomeFailed      Outcome = "failed"
	OutcomeEmpty       Outcome = "empty"
)

// IsLowQuality reports whether answer is blank or a "don't know" reply.
func IsLowQuality(answer string) bool {
	text := strings.TrimSpace(answer)
	if text == "" {
		return true
	}
	for _, p := range lowQualityPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// Aggregate merges results. The output depends only on the set of results,
// not on their order.
func Aggregate(results []rag.RunResult, opts Options) rag.RunResult {
	out, _ := AggregateWithOutcome(results, opts)
	return out
}

// AggregateWithOutcome is Aggregate plus a description of how the answer was
// selected.
func AggregateWithOutcome(results []rag.RunResult, opts Options) (rag.RunResult, Outcome) {
	if len(results) == 0 {
		return rag.RunResult{Strategy: "unknown", Error: "no results"}, OutcomeEmpty
	}
	opts = opts.withDefaults()

	ranked := rank(results, opts.PreferredOrder)

	var candidates []rag.RunResult
	for _, r := range ranked {
		if !r.Failed() {
			candidates = append(candidates, r)
		}
	}

	outcome := OutcomeRanked
	chosen := ranked[0]
	if len(candidates) > 0 {
		chosen = candidates[0]
		for i, c := range candidates {
			if !IsLowQuality(c.Answer) {
				if i > 0 {
					outcome = OutcomePromoted
				}
				chosen = c
				break
			}
		}
	} else {
		outcome = OutcomeFailed
	}

	evidence := mergeEvidence(candidates)
	answer := chosen.Answer
	if IsLowQuality(answer) {
		if synthesized := synthesize(evidence, opts); synthesized != "" {
			answer = synthesized
			outcome = OutcomeSynthesized
		}
	}

	return rag.RunResult{
		Strategy:        chosen.Strategy,
		WorkerName:      chosen.WorkerName,
		Answer:          answer,
		Context:         mergeContext(candidates),
		Reference:       mergeReference(candidates),
		Evidence:        evidence,
		ExecutionLog:    chosen.ExecutionLog,
		Recommendations: mergeRecommendations(candidates),
		Error:           chosen.Error,
		Duration:        chosen.Duration,
	}, outcome
}

func rank(results []rag.RunResult, order []string) []rag.RunResult {
	pos := make(map[string]int, len(order))
	for i, s := range order {
		if _, ok := pos[s]; !ok {
			pos[s] = i
		}
	}
	priority := func(s string) int {
		if p, ok := pos[s]; ok {
			return p
		}
		return len(order)
	}

	ranked := make([]rag.RunResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if pa, pb := priority(a.Strategy), priority(b.Strategy); pa != pb {
			return pa < pb
		}
		if a.Strategy != b.Strategy {
			return a.Strategy < b.Strategy
		}
		if a.Answer != b.Answer {
			return a.Answer < b.Answer
		}
		if a.Error != b.Error {
			return a.Error < b.Error
		}
		if a.Context != b.Context {
			return a.Context < b.Context
		}
		return a.WorkerName < b.WorkerName
	})
	return ranked
}

func mergeContext(ranked []rag.RunResult) string {
	var parts []string
	for _, r := range ranked {
		ctx := strings.TrimSpace(r.Context)
		if ctx == "" {
			continue
		}
		parts = append(parts, "### "+r.Strategy+"\n\n"+ctx)
	}
	return strings.Join(parts, contextSeparator)
}

func mergeReference(ranked []rag.RunResult) *rag.ReferenceSet {
	chunks := map[string]struct{}{}
	entities := map[string]struct{}{}
	rels := map[string]struct{}{}
	for _, r := range ranked {
		if r.Reference == nil {
			continue
		}
		addAll(chunks, r.Reference.Chunks)
		addAll(entities, r.Reference.Entities)
		addAll(rels, r.Reference.Relationships)
	}
	return &rag.ReferenceSet{
		Chunks:        sortedKeys(chunks),
		Entities:      sortedKeys(entities),
		Relationships: sortedKeys(rels),
	}
}

func addAll(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type evidenceKey struct {
	sourceID    string
	granularity string
}

// mergeEvidence dedups by (source_id, granularity), keeping the higher score.
// Items missing either half of the key cannot be deduplicated and are dropped.
func mergeEvidence(ranked []rag.RunResult) []rag.EvidenceItem {
	merged := make(map[evidenceKey]rag.EvidenceItem)
	for _, r := range ranked {
		for _, item := range r.Evidence {
			key := evidenceKey{
				sourceID:    strings.TrimSpace(item.SourceID()),
				granularity: strings.TrimSpace(item.Granularity),
			}
			if key.sourceID == "" || key.granularity == "" {
				continue
			}
			existing, ok := merged[key]
			if !ok || item.Score > existing.Score ||
				(item.Score == existing.Score && item.EvidenceText < existing.EvidenceText) {
				merged[key] = item
			}
		}
	}

	out := make([]rag.EvidenceItem, 0, len(merged))
	for _, item := range merged {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		ki, kj := out[i].SourceID(), out[j].SourceID()
		if ki != kj {
			return ki < kj
		}
		return out[i].Granularity < out[j].Granularity
	})
	return out
}

func mergeRecommendations(ranked []rag.RunResult) []int64 {
	var out []int64
	seen := make(map[int64]struct{})
	for _, r := range ranked {
		for _, id := range r.Recommendations {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func synthesize(evidence []rag.EvidenceItem, opts Options) string {
	candidates := make([]rag.EvidenceItem, len(evidence))
	copy(candidates, evidence)

	switch opts.EvidenceStrategy {
	case SelectByScore:
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	case SelectByConfidence:
		sort.SliceStable(candidates, func(i, j int) bool {
			ci, _ := candidates[i].Confidence()
			cj, _ := candidates[j].Confidence()
			return ci > cj
		})
	}

	var snippets []string
	for _, item := range candidates {
		if text := strings.TrimSpace(item.EvidenceText); text != "" {
			snippets = append(snippets, text)
		}
		if len(snippets) >= opts.MaxEvidence {
			break
		}
	}

	text := strings.TrimSpace(strings.Join(snippets, "\n\n"))
	if runes := []rune(text); len(runes) > opts.MaxChars {
		text = strings.TrimRight(string(runes[:opts.MaxChars]), " \t\r\n")
	}
	return text
}
