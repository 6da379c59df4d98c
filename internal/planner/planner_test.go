package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
)

func TestPlanSingleEntryForBaselineDomain(t *testing.T) {
	p := Default()
	plan := p.Plan("edu", "graph_agent", "compare these two courses")
	require.Len(t, plan, 1)
	assert.Equal(t, rag.RunSpec{Strategy: "graph_agent", Timeout: 30 * time.Second}, plan[0])
}

func TestPlanFanOutOnTrigger(t *testing.T) {
	p := Default()
	plan := p.Plan("movie", "hybrid_agent", "Please RECOMMEND some sci-fi films")
	require.Len(t, plan, 4)
	assert.Equal(t, "hybrid_agent", plan[0].Strategy)
	assert.Equal(t, "graph_agent", plan[1].Strategy)
	assert.Equal(t, "naive_rag_agent", plan[2].Strategy)
	assert.Equal(t, "fusion_agent", plan[3].Strategy)
	assert.Equal(t, 25*time.Second, plan[0].Timeout)
	assert.Equal(t, 60*time.Second, plan[3].Timeout)
}

func TestPlanChineseTrigger(t *testing.T) {
	plan := Default().Plan("movie", "", "给我推荐几部电影")
	assert.Len(t, plan, 4)
}

func TestPlanMovieWithoutTrigger(t *testing.T) {
	plan := Default().Plan("movie", "", "who directed Inception")
	require.Len(t, plan, 1)
	assert.Equal(t, "hybrid_agent", plan[0].Strategy)
	assert.Equal(t, DefaultTimeout, plan[0].Timeout)
}

func TestPlanGeneralIsEmpty(t *testing.T) {
	assert.Empty(t, Default().Plan(rag.DomainGeneral, "hybrid_agent", "hello"))
	assert.Empty(t, Default().Plan("", "hybrid_agent", "hello"))
}

func TestPlanIsDeterministicAndUnshared(t *testing.T) {
	p := Default()
	a := p.Plan("movie", "", "top 10 films")
	b := p.Plan("movie", "", "top 10 films")
	assert.Equal(t, a, b)

	a[0].Strategy = "mutated"
	c := p.Plan("movie", "", "top 10 films")
	assert.Equal(t, "hybrid_agent", c[0].Strategy)
}

func TestPlanCustomPolicyTimeout(t *testing.T) {
	p := New(map[string]Policy{"docs": {Timeout: 5 * time.Second}})
	plan := p.Plan("docs", "naive_rag_agent", "anything")
	require.Len(t, plan, 1)
	assert.Equal(t, 5*time.Second, plan[0].Timeout)
}
