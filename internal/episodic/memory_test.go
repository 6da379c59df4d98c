package episodic

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/background"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

// keywordEmbedder maps text onto two axes: movies and courses
type keywordEmbedder struct {
	err   error
	calls int
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	v := []float32{0.01, 0.01}
	if strings.Contains(text, "movie") {
		v[0] = 3
	}
	if strings.Contains(text, "course") {
		v[1] = 3
	}
	return v, nil
}

func TestShouldRecall(t *testing.T) {
	long := "please give me a detailed overview of the syllabus for the machine learning program"
	tests := []struct {
		mode, query string
		want        bool
	}{
		{RecallNever, "it", false},
		{RecallAlways, long, true},
		{RecallAuto, "", false},
		{RecallAuto, "and the sequel?", false},
		{RecallAuto, "and then?", true},
		{RecallAuto, long, false},
		{RecallAuto, "what did you mention earlier about the machine learning program details", true},
		{RecallAuto, "那个电影的导演是谁，能不能详细介绍一下他的其他作品呢", true},
		{RecallAuto, "请详细介绍一下机器学习课程的教学大纲和考核方式以及先修要求", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRecall(tt.mode, tt.query), "%s/%q", tt.mode, tt.query)
	}
}

func indexTurn(t *testing.T, m *Memory, conv uuid.UUID, user, assistant string) Turn {
	t.Helper()
	turn := Turn{
		ConversationID: conv, UserMessageID: uuid.New(), AssistantMessageID: uuid.New(),
		UserMessage: user, AssistantMessage: assistant,
	}
	require.NoError(t, m.Index(context.Background(), turn))
	return turn
}

func TestIndexAndRecall(t *testing.T) {
	st := store.NewMemory()
	emb := &keywordEmbedder{}
	m := New(st, nil, emb, nil, Options{Mode: RecallAlways, TopK: 3, MinScore: 0.25, MaxContextChars: 1200}, zaptest.NewLogger(t))
	conv := uuid.New()

	movie := indexTurn(t, m, conv, "recommend a movie", "Inception")
	indexTurn(t, m, conv, "which course first", "Linear algebra")
	indexTurn(t, m, uuid.New(), "another movie", "elsewhere")

	got := m.Recall(context.Background(), conv, "that movie again")
	require.Len(t, got, 1, "the course turn is below the similarity floor")
	assert.Equal(t, movie.AssistantMessageID, got[0].AssistantMessageID)
	assert.Equal(t, "- recommend a movie → Inception", m.FormatContext(got))
}

func TestRecallFailuresYieldNothing(t *testing.T) {
	emb := &keywordEmbedder{err: errors.New("embedding down")}
	m := New(store.NewMemory(), nil, emb, nil, Options{Mode: RecallAlways, TopK: 3}, zaptest.NewLogger(t))
	assert.Empty(t, m.Recall(context.Background(), uuid.New(), "movie"))

	never := New(store.NewMemory(), nil, &keywordEmbedder{}, nil, Options{Mode: RecallNever, TopK: 3}, zaptest.NewLogger(t))
	assert.Empty(t, never.Recall(context.Background(), uuid.New(), "movie"))
}

// idOnlyStore drops message text the way an id-only vector index would
type idOnlyStore struct{ *store.Memory }

func (s idOnlyStore) UpsertEpisode(ctx context.Context, ep store.Episode) error {
	ep.UserMessage, ep.AssistantMessage = "", ""
	return s.Memory.UpsertEpisode(ctx, ep)
}

func TestRecallHydratesFromConversation(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	conv, err := mem.GetOrCreateConversation(ctx, "u", "s")
	require.NoError(t, err)
	q, err := mem.AppendMessage(ctx, store.Message{ConversationID: conv, Role: store.RoleUser, Content: "best movie?", Completed: true})
	require.NoError(t, err)
	a, err := mem.AppendMessage(ctx, store.Message{ConversationID: conv, Role: store.RoleAssistant, Content: "Heat", Completed: true})
	require.NoError(t, err)

	m := New(idOnlyStore{mem}, mem, &keywordEmbedder{}, nil, Options{Mode: RecallAlways, TopK: 3, MinScore: 0.25, MaxContextChars: 1200}, zaptest.NewLogger(t))
	require.NoError(t, m.Index(ctx, Turn{ConversationID: conv, UserMessageID: q.ID, AssistantMessageID: a.ID,
		UserMessage: q.Content, AssistantMessage: a.Content}))

	got := m.Recall(ctx, conv, "movie")
	require.Len(t, got, 1)
	assert.Equal(t, "best movie?", got[0].UserMessage)
	assert.Equal(t, "Heat", got[0].AssistantMessage)
}

func TestFormatContextCap(t *testing.T) {
	m := New(store.NewMemory(), nil, &keywordEmbedder{}, nil, Options{MaxContextChars: 12}, zaptest.NewLogger(t))
	eps := []store.Episode{
		{UserMessage: "a", AssistantMessage: "b"},
		{},
		{UserMessage: "longer question", AssistantMessage: "answer"},
	}
	assert.Equal(t, "- a → b", m.FormatContext(eps))
	assert.Empty(t, m.FormatContext(nil))
}

func TestScheduleIndexIsKeyedByAssistantMessage(t *testing.T) {
	st := store.NewMemory()
	coord := background.NewCoordinator("episodic", nil, zaptest.NewLogger(t))
	defer coord.Shutdown(context.Background())
	m := New(st, nil, &keywordEmbedder{}, coord, Options{Mode: RecallAlways, TopK: 3, MinScore: 0.25, MaxContextChars: 1200}, zaptest.NewLogger(t))

	conv := uuid.New()
	turn := Turn{ConversationID: conv, UserMessageID: uuid.New(), AssistantMessageID: uuid.New(),
		UserMessage: "movie night", AssistantMessage: "Alien"}
	assert.True(t, m.ScheduleIndex(turn))

	assert.Eventually(t, func() bool {
		eps, _ := st.SearchEpisodes(context.Background(), conv, []float32{1, 0}, 5)
		return len(eps) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
