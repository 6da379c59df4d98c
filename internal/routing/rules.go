package routing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
)

// DefaultMinScore is the keyword hit count a domain needs to win
const DefaultMinScore = 2

// Rules holds the keyword heuristic configuration. Keywords are lower-cased
// and deduplicated.
type Rules struct {
	MinScore int
	Keywords map[string][]string
}

// Domains returns the rule domains in sorted order
func (r Rules) Domains() []string {
	out := make([]string, 0, len(r.Keywords))
	for d := range r.Keywords {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DefaultRules is used when no rules file is configured
func DefaultRules() Rules {
	return Rules{
		MinScore: DefaultMinScore,
		Keywords: map[string][]string{
			rag.DomainMovie: normalizeKeywords([]interface{}{
				"电影", "影片", "导演", "演员", "主演", "剧情", "片单", "上映", "票房",
				"movie", "film", "director", "actor", "cast", "plot",
			}),
			rag.DomainEdu: normalizeKeywords([]interface{}{
				"学生", "课程", "考勤", "学籍", "退学", "处分", "成绩", "学分", "教务",
				"student", "course", "attendance", "enrollment", "grade",
			}),
		},
	}
}

// ParseRules decodes a YAML rules document of the form
//
//	heuristic_rules:
//	  min_score: 2
//	  kbs:
//	    movie: {keywords: [...]}
//
// Malformed sections are ignored rather than rejected.
func ParseRules(data []byte) (Rules, error) {
	raw := make(map[string]interface{})
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Rules{}, fmt.Errorf("parse routing rules: %w", err)
		}
	}
	return RulesFromMap(raw), nil
}

// RulesFromMap normalizes an already decoded rules document
func RulesFromMap(raw map[string]interface{}) Rules {
	rules := Rules{MinScore: DefaultMinScore, Keywords: map[string][]string{}}
	section, ok := raw["heuristic_rules"].(map[string]interface{})
	if !ok {
		return rules
	}
	rules.MinScore = toMinScore(section["min_score"])

	kbs, ok := section["kbs"].(map[string]interface{})
	if !ok {
		return rules
	}
	for name, v := range kbs {
		domain := NormalizeDomain(name)
		if domain == "" {
			continue
		}
		kb, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		list, _ := kb["keywords"].([]interface{})
		rules.Keywords[domain] = normalizeKeywords(list)
	}
	return rules
}

func toMinScore(v interface{}) int {
	n := DefaultMinScore
	switch t := v.(type) {
	case int:
		n = t
	case float64:
		n = int(t)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			n = parsed
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func normalizeKeywords(values []interface{}) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		kw := strings.ToLower(strings.TrimSpace(s))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// RuleSet is a concurrently readable, atomically replaceable Rules value
type RuleSet struct {
	path    string
	current atomic.Pointer[Rules]
	logger  *zap.Logger
}

// NewRuleSet loads rules from path. An empty path selects DefaultRules; a
// missing file yields empty rules so routing falls through to the classifier.
func NewRuleSet(path string, logger *zap.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := &RuleSet{path: path, logger: logger}
	if path == "" {
		def := DefaultRules()
		rs.current.Store(&def)
		return rs, nil
	}
	if err := rs.Reload(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Rules returns the active rules
func (rs *RuleSet) Rules() Rules {
	return *rs.current.Load()
}

// Path returns the backing file, if any
func (rs *RuleSet) Path() string { return rs.path }

// Store replaces the active rules
func (rs *RuleSet) Store(r Rules) {
	if r.Keywords == nil {
		r.Keywords = map[string][]string{}
	}
	rs.current.Store(&r)
}

// Reload re-reads the rules file. On a parse error the previous rules stay
// active.
func (rs *RuleSet) Reload() error {
	if rs.path == "" {
		return nil
	}
	data, err := os.ReadFile(rs.path)
	if errors.Is(err, os.ErrNotExist) {
		rs.logger.Warn("Routing rules file not found, keyword heuristic disabled",
			zap.String("path", rs.path))
		rs.Store(Rules{MinScore: DefaultMinScore})
		return nil
	}
	if err != nil {
		return fmt.Errorf("read routing rules: %w", err)
	}
	r, err := ParseRules(data)
	if err != nil {
		return err
	}
	rs.Store(r)
	rs.logger.Info("Routing rules loaded",
		zap.String("path", rs.path),
		zap.Int("min_score", r.MinScore),
		zap.Strings("domains", r.Domains()),
	)
	return nil
}

// HandleChange adapts the rule set to config.ConfigManager notifications
func (rs *RuleSet) HandleChange(event config.ChangeEvent) error {
	if event.Action == "delete" {
		rs.logger.Warn("Routing rules file removed, keeping previous rules",
			zap.String("file", event.File))
		return nil
	}
	r := RulesFromMap(event.Config)
	rs.Store(r)
	rs.logger.Info("Routing rules reloaded",
		zap.String("file", event.File),
		zap.Int("min_score", r.MinScore),
		zap.Strings("domains", r.Domains()),
	)
	return nil
}
