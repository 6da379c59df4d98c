package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/config"
)

const sampleRules = `
heuristic_rules:
  min_score: 2
  kbs:
    movie:
      keywords: ["电影", "导演", " Movie ", "movie", ""]
    edu:
      keywords: [学生, 课程, 42]
    "broken": "not a map"
`

func TestParseRules(t *testing.T) {
	r, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)

	assert.Equal(t, 2, r.MinScore)
	assert.Equal(t, []string{"edu", "movie"}, r.Domains())
	assert.Equal(t, []string{"movie", "导演", "电影"}, r.Keywords["movie"])
	assert.Equal(t, []string{"学生", "课程"}, r.Keywords["edu"])
}

func TestParseRulesMinScore(t *testing.T) {
	cases := []struct {
		doc  string
		want int
	}{
		{"heuristic_rules: {min_score: 0}", 1},
		{"heuristic_rules: {min_score: -3}", 1},
		{"heuristic_rules: {min_score: 4}", 4},
		{"heuristic_rules: {min_score: \"3\"}", 3},
		{"heuristic_rules: {min_score: nope}", DefaultMinScore},
		{"heuristic_rules: {}", DefaultMinScore},
		{"", DefaultMinScore},
	}
	for _, tc := range cases {
		r, err := ParseRules([]byte(tc.doc))
		require.NoError(t, err, tc.doc)
		assert.Equal(t, tc.want, r.MinScore, tc.doc)
	}

	_, err := ParseRules([]byte("heuristic_rules: ["))
	assert.Error(t, err)
}

func TestRuleSetReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	rs, err := NewRuleSet(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, rs.Rules().Keywords, 2)

	require.NoError(t, os.WriteFile(path, []byte("heuristic_rules: {min_score: 1, kbs: {movie: {keywords: [film]}}}"), 0o644))
	require.NoError(t, rs.Reload())
	assert.Equal(t, 1, rs.Rules().MinScore)
	assert.Equal(t, []string{"film"}, rs.Rules().Keywords["movie"])

	// A broken file keeps the previous rules
	require.NoError(t, os.WriteFile(path, []byte("heuristic_rules: ["), 0o644))
	assert.Error(t, rs.Reload())
	assert.Equal(t, []string{"film"}, rs.Rules().Keywords["movie"])

	require.NoError(t, os.Remove(path))
	require.NoError(t, rs.Reload())
	assert.Empty(t, rs.Rules().Keywords)
}

func TestRuleSetDefaultsAndChangeEvents(t *testing.T) {
	rs, err := NewRuleSet("", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"edu", "movie"}, rs.Rules().Domains())

	require.NoError(t, rs.HandleChange(config.ChangeEvent{
		File:   "rules.yaml",
		Action: "modify",
		Config: map[string]interface{}{
			"heuristic_rules": map[string]interface{}{
				"min_score": 3,
				"kbs": map[string]interface{}{
					"legal": map[string]interface{}{"keywords": []interface{}{"contract"}},
				},
			},
		},
	}))
	assert.Equal(t, 3, rs.Rules().MinScore)
	assert.Equal(t, []string{"legal"}, rs.Rules().Domains())

	require.NoError(t, rs.HandleChange(config.ChangeEvent{File: "rules.yaml", Action: "delete"}))
	assert.Equal(t, []string{"legal"}, rs.Rules().Domains())
}

func TestHeuristic(t *testing.T) {
	rules := Rules{
		MinScore: 2,
		Keywords: map[string][]string{
			"movie": {"电影", "导演", "演员"},
			"edu":   {"学生", "课程", "成绩"},
		},
	}

	cases := []struct {
		name    string
		message string
		domain  string
		reason  string
	}{
		{"movie wins", "这部电影的导演是谁", "movie", "movie_keywords=2 > edu_keywords=0"},
		{"edu wins", "学生的课程成绩", "edu", "edu_keywords=3 > movie_keywords=0"},
		{"below min score", "推荐一部电影", "", ""},
		{"tie", "电影导演和学生课程", "", ""},
		{"empty", "   ", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent, ok := Heuristic(tc.message, rules)
			if tc.domain == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.domain, intent.Domain)
			assert.Equal(t, HeuristicConfidence, intent.Confidence)
			assert.Equal(t, MethodHeuristic, intent.Method)
			assert.Equal(t, tc.reason, intent.Reason)
		})
	}
}

func TestHeuristicCaseInsensitive(t *testing.T) {
	rules := Rules{MinScore: 1, Keywords: map[string][]string{"movie": {"film"}}}
	intent, ok := Heuristic("Best FILM of 2020", rules)
	require.True(t, ok)
	assert.Equal(t, "movie", intent.Domain)
	assert.Equal(t, "movie_keywords=1", intent.Reason)
}
