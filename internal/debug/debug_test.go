package debug

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/rag"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

func TestCollectorObserve(t *testing.T) {
	c := NewCollector("req-1", "u1", "s1")
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	errMsg := "timeout"

	events := []streaming.Event{
		streaming.Start("req-1"),
		streaming.Debug(streaming.StatusRouteDecision, routing.Decision{EffectiveDomain: "movie", Method: "heuristic"}),
		streaming.Debug(streaming.StatusExecutionLog, rag.LogEntry{Node: "rag_plan", NodeType: "routing", Timestamp: t0}),
		streaming.ProgressEvent(streaming.Progress{Stage: streaming.StageRetrieval, Total: 2}),
		streaming.Debug(streaming.StatusExecutionLog, rag.LogEntry{
			Node: "rag_retrieval_done", NodeType: "retrieval", Duration: 800 * time.Millisecond,
			Timestamp: t0.Add(time.Second), Data: map[string]interface{}{"error": &errMsg},
		}),
		streaming.Debug(streaming.StatusRAGRuns, []streaming.RunSummary{{Strategy: "hybrid", EvidenceCount: 2}}),
		streaming.Debug(streaming.StatusCombinedContext, streaming.CombinedContext{Text: "ctx", TotalChars: 3}),
		streaming.Token("hello"),
		streaming.Debug(streaming.StatusExecutionLog, rag.LogEntry{
			Node: "answer_done", Duration: 1500 * time.Millisecond, Timestamp: t0.Add(3 * time.Second),
		}),
		streaming.ErrorEvent("boom"),
		streaming.Done(),
	}
	for _, ev := range events {
		c.Observe(ev)
	}
	c.SetTimings(map[string]time.Duration{"retrieval": 900 * time.Millisecond})

	rec := c.Snapshot()
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "u1", rec.UserID)
	require.NotNil(t, rec.RouteDecision)
	assert.Equal(t, "movie", rec.RouteDecision.EffectiveDomain)
	assert.Len(t, rec.ExecutionLog, 3)
	assert.Len(t, rec.ProgressEvents, 1)
	require.Len(t, rec.ErrorEvents, 1)
	assert.Equal(t, "boom", rec.ErrorEvents[0].Message)
	assert.Len(t, rec.RAGRuns, 1)
	require.NotNil(t, rec.CombinedContext)
	assert.Equal(t, int64(900), rec.TimingsMs["retrieval"])

	perf := rec.Performance
	assert.Equal(t, 3, perf.NodeCount)
	assert.Equal(t, int64(3000), perf.TotalMs)
	assert.Equal(t, int64(800), perf.RetrievalMs)
	assert.Equal(t, int64(1500), perf.GenerationMs, "answer_* nodes fall back to name matching")
	assert.Equal(t, 1, perf.ErrorCount)
}

func TestCollectorIgnoresMismatchedPayload(t *testing.T) {
	c := NewCollector("req", "u", "s")
	c.Observe(streaming.Event{Status: streaming.StatusRouteDecision, Content: "not a decision"})
	c.Observe(streaming.Event{Status: streaming.StatusExecutionLog, Content: 42})
	rec := c.Snapshot()
	assert.Nil(t, rec.RouteDecision)
	assert.Empty(t, rec.ExecutionLog)
	assert.Equal(t, Performance{}, rec.Performance)
}

func TestCollectorCapsCombinedContext(t *testing.T) {
	c := NewCollector("req", "u", "s")
	c.maxContext = 5
	c.Observe(streaming.Debug(streaming.StatusCombinedContext, streaming.CombinedContext{Text: "数据库上下文超长", TotalChars: 8}))
	rec := c.Snapshot()
	require.NotNil(t, rec.CombinedContext)
	assert.Equal(t, "数据库上下", rec.CombinedContext.Text)
	assert.True(t, rec.CombinedContext.Truncated)
	assert.Equal(t, 8, rec.CombinedContext.TotalChars)
}

func TestSingleEntryTotal(t *testing.T) {
	p := performance([]rag.LogEntry{{Node: "x", Duration: 250 * time.Millisecond}})
	assert.Equal(t, int64(250), p.TotalMs)
}

func storeSuite(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := NewCollector("req-1", "alice", "s1").Snapshot()
	require.NoError(t, s.Save(ctx, rec))

	got, err := Fetch(ctx, s, "req-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	_, err = Fetch(ctx, s, "req-1", "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, Remove(ctx, s, "req-1", "bob"), ErrForbidden)
	require.NoError(t, Remove(ctx, s, "req-1", "alice"))
	assert.ErrorIs(t, Remove(ctx, s, "req-1", "alice"), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, NewMemoryStore(10, time.Minute))
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10, 20*time.Millisecond)
	require.NoError(t, s.Save(context.Background(), Record{RequestID: "r"}))
	assert.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "r")
		return err == ErrNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, 30*time.Minute)
	storeSuite(t, s)

	require.NoError(t, s.Save(context.Background(), Record{RequestID: "r2", UserID: "u"}))
	assert.True(t, mr.Exists(Key("r2")))
	assert.Equal(t, 30*time.Minute, mr.TTL(Key("r2")))

	mr.FastForward(31 * time.Minute)
	_, err := s.Get(context.Background(), "r2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRoundTripsDecision(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, 0)

	c := NewCollector("r3", "u", "s")
	c.Observe(streaming.Debug(streaming.StatusRouteDecision, routing.Decision{EffectiveDomain: "edu", Reason: "edu_keywords=3 > movie_keywords=0"}))
	require.NoError(t, s.Save(context.Background(), c.Snapshot()))

	got, err := s.Get(context.Background(), "r3")
	require.NoError(t, err)
	require.NotNil(t, got.RouteDecision)
	assert.Equal(t, "edu", got.RouteDecision.EffectiveDomain)
	assert.True(t, strings.HasPrefix(got.RouteDecision.Reason, "edu_keywords"))
}
