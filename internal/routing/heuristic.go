package routing

import (
	"fmt"
	"sort"
	"strings"
)

// HeuristicConfidence is reported for every keyword win
const HeuristicConfidence = 0.95

// Heuristic scores the message against each domain's keywords by
// substring count. A domain wins when its score reaches MinScore and is
// strictly greater than every other domain's score.
func Heuristic(message string, rules Rules) (Intent, bool) {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" || len(rules.Keywords) == 0 {
		return Intent{}, false
	}

	type score struct {
		domain string
		hits   int
	}
	scores := make([]score, 0, len(rules.Keywords))
	for domain, keywords := range rules.Keywords {
		hits := 0
		for _, kw := range keywords {
			if kw != "" && strings.Contains(text, kw) {
				hits++
			}
		}
		scores = append(scores, score{domain, hits})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		return scores[i].domain < scores[j].domain
	})

	best := scores[0]
	if best.hits < rules.MinScore {
		return Intent{}, false
	}
	if len(scores) > 1 && scores[1].hits >= best.hits {
		return Intent{}, false
	}

	others := make([]string, 0, len(scores)-1)
	for _, s := range scores[1:] {
		others = append(others, fmt.Sprintf("%s_keywords=%d", s.domain, s.hits))
	}
	reason := fmt.Sprintf("%s_keywords=%d", best.domain, best.hits)
	if len(others) > 0 {
		reason += " > " + strings.Join(others, ", ")
	}
	return Intent{
		Domain:     best.domain,
		Confidence: HeuristicConfidence,
		Method:     MethodHeuristic,
		Reason:     reason,
	}, true
}
