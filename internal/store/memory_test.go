package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, m *Memory, n int) (uuid.UUID, []Message) {
	t.Helper()
	ctx := context.Background()
	id, err := m.GetOrCreateConversation(ctx, "u1", "s1")
	require.NoError(t, err)
	var msgs []Message
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg, err := m.AppendMessage(ctx, Message{ConversationID: id, Role: role, Content: string(rune('a' + i)), Completed: true})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return id, msgs
}

func TestGetOrCreateConversationIsStable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, err := m.GetOrCreateConversation(ctx, "u1", "s1")
	require.NoError(t, err)
	b, err := m.GetOrCreateConversation(ctx, "u1", "s1")
	require.NoError(t, err)
	c, err := m.GetOrCreateConversation(ctx, "u2", "s1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	_, err := NewMemory().AppendMessage(context.Background(), Message{ConversationID: uuid.New(), Role: RoleUser})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListMessagesOrdering(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	id, msgs := seedConversation(t, m, 4)

	asc, err := m.ListMessages(context.Background(), id, ListOptions{})
	require.NoError(t, err)
	require.Len(t, asc, 4)
	for i := range msgs {
		assert.Equal(t, msgs[i].ID, asc[i].ID, "same clock reading still keeps append order")
	}

	desc, err := m.ListMessages(context.Background(), id, ListOptions{Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, msgs[3].ID, desc[0].ID)
	assert.Equal(t, msgs[2].ID, desc[1].ID)
}

func TestSummaryListingSkipsIncomplete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, msgs := seedConversation(t, m, 3)
	_, err := m.AppendMessage(ctx, Message{ConversationID: id, Role: RoleAssistant, Content: "partial", Completed: false})
	require.NoError(t, err)

	n, err := m.CountCompletedMessages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := m.ListRecentMessages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, msgs[2].ID, recent[0].ID)

	since, err := m.ListMessagesSince(ctx, id, msgs[0].Cursor(), 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, msgs[1].ID, since[0].ID)

	all, err := m.ListMessagesSince(ctx, id, Cursor{}, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveSummaryOptimisticConcurrency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, msgs := seedConversation(t, m, 4)

	_, err := m.GetSummary(ctx, id)
	assert.ErrorIs(t, err, ErrSummaryNotFound)

	first, err := m.SaveSummary(ctx, Summary{
		ConversationID: id, Text: "v1",
		CoveredThroughAt: msgs[1].CreatedAt, CoveredThroughID: msgs[1].ID, CoveredMessageCount: 2,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	// A second writer that also read "no summary" loses
	_, err = m.SaveSummary(ctx, Summary{ConversationID: id, Text: "other",
		CoveredThroughAt: msgs[2].CreatedAt, CoveredThroughID: msgs[2].ID}, 0)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	// Cursor must advance
	_, err = m.SaveSummary(ctx, Summary{ConversationID: id, Text: "stale",
		CoveredThroughAt: msgs[1].CreatedAt, CoveredThroughID: msgs[1].ID}, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	second, err := m.SaveSummary(ctx, Summary{ConversationID: id, Text: "v2",
		CoveredThroughAt: msgs[3].CreatedAt, CoveredThroughID: msgs[3].ID, CoveredMessageCount: 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := m.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text)
}

func TestEpisodeUpsertAndSearch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	conv := uuid.New()
	a1, a2 := uuid.New(), uuid.New()

	require.NoError(t, m.UpsertEpisode(ctx, Episode{ConversationID: conv, AssistantMessageID: a1, UserMessage: "q1", Embedding: []float32{1, 0}}))
	require.NoError(t, m.UpsertEpisode(ctx, Episode{ConversationID: conv, AssistantMessageID: a2, UserMessage: "q2", Embedding: []float32{0, 1}}))
	// Re-indexing the same assistant message replaces it
	require.NoError(t, m.UpsertEpisode(ctx, Episode{ConversationID: conv, AssistantMessageID: a1, UserMessage: "q1b", Embedding: []float32{1, 0}}))
	require.NoError(t, m.UpsertEpisode(ctx, Episode{ConversationID: uuid.New(), AssistantMessageID: uuid.New(), Embedding: []float32{1, 0}}))

	got, err := m.SearchEpisodes(ctx, conv, []float32{0.9, 0.1}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q1b", got[0].UserMessage)
	assert.Greater(t, got[0].Score, got[1].Score)

	top, err := m.SearchEpisodes(ctx, conv, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, a2, top[0].AssistantMessageID)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
}

func TestJSONScan(t *testing.T) {
	var j JSON
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan(`{"b":"x"}`))
	assert.Equal(t, "x", j["b"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))
}
