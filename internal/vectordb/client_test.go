package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

// fakeQdrant keeps upserted points in memory and answers queries with them
type fakeQdrant struct {
	mu            sync.Mutex
	points        map[string]map[string]interface{}
	collection    bool
	size          int
	legacyOnly    bool
	lastFilter    map[string]interface{}
	createdVector int
}

func (f *fakeQdrant) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/episodes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if !f.collection {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{
				"points_count": len(f.points),
				"config":       map[string]interface{}{"params": map[string]interface{}{"vectors": map[string]interface{}{"size": f.size}}},
			}})
		case http.MethodPut:
			var body struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.collection = true
			f.size = body.Vectors.Size
			f.createdVector = body.Vectors.Size
			_, _ = w.Write([]byte(`{"result":true,"status":"ok"}`))
		}
	})
	mux.HandleFunc("/collections/episodes/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []UpsertItem `json:"points"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		for _, p := range body.Points {
			f.points[p.ID.(string)] = p.Payload
		}
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","time":0.001}`))
	})
	respond := func(w http.ResponseWriter, r *http.Request, nested bool) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastFilter, _ = body["filter"].(map[string]interface{})
		var pts []map[string]interface{}
		score := 0.9
		for id, payload := range f.points {
			pts = append(pts, map[string]interface{}{"id": id, "score": score, "payload": payload})
			score -= 0.1
		}
		f.mu.Unlock()
		if nested {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{"points": pts}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": pts})
	}
	mux.HandleFunc("/collections/episodes/points/query", func(w http.ResponseWriter, r *http.Request) {
		if f.legacyOnly {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		respond(w, r, true)
	})
	mux.HandleFunc("/collections/episodes/points/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, false)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeQdrant) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{Enabled: true, BaseURL: srv.URL, Collection: "episodes", Dimension: 3}, zaptest.NewLogger(t))
}

func TestDisabledClient(t *testing.T) {
	c := NewClient(Config{Enabled: false}, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), "episodes", []float32{0.1}, 3, 0, nil)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = c.Upsert(context.Background(), "episodes", nil)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, c.EnsureCollection(context.Background()))
}

func TestEnsureCollectionCreatesAndValidates(t *testing.T) {
	f := &fakeQdrant{points: map[string]map[string]interface{}{}}
	c := newTestClient(t, f)

	require.NoError(t, c.EnsureCollection(context.Background()))
	assert.Equal(t, 3, f.createdVector)
	require.NoError(t, c.EnsureCollection(context.Background()))

	f.mu.Lock()
	f.size = 1536
	f.mu.Unlock()
	var mismatch DimensionMismatchError
	assert.ErrorAs(t, c.EnsureCollection(context.Background()), &mismatch)
	assert.Equal(t, 1536, mismatch.ReceivedDimension)
}

func TestEpisodeStoreUpsertIsIdempotent(t *testing.T) {
	f := &fakeQdrant{points: map[string]map[string]interface{}{}}
	s := NewEpisodeStore(newTestClient(t, f))
	ctx := context.Background()
	conv, userMsg, asst := uuid.New(), uuid.New(), uuid.New()

	ep := store.Episode{
		ConversationID: conv, UserMessageID: userMsg, AssistantMessageID: asst,
		UserMessage: "who directed it?", AssistantMessage: "Nolan", Embedding: []float32{1, 0, 0},
	}
	require.NoError(t, s.UpsertEpisode(ctx, ep))
	ep.AssistantMessage = "Christopher Nolan"
	require.NoError(t, s.UpsertEpisode(ctx, ep))
	assert.Len(t, f.points, 1)

	got, err := s.SearchEpisodes(ctx, conv, []float32{1, 0, 0}, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Christopher Nolan", got[0].AssistantMessage)
	assert.Equal(t, asst, got[0].AssistantMessageID)
	assert.Equal(t, userMsg, got[0].UserMessageID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-9)
	assert.False(t, got[0].CreatedAt.IsZero())

	must := f.lastFilter["must"].([]interface{})
	clause := must[0].(map[string]interface{})
	assert.Equal(t, "conversation_id", clause["key"])
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	f := &fakeQdrant{points: map[string]map[string]interface{}{}, legacyOnly: true}
	s := NewEpisodeStore(newTestClient(t, f))
	ctx := context.Background()
	conv := uuid.New()
	require.NoError(t, s.UpsertEpisode(ctx, store.Episode{ConversationID: conv, AssistantMessageID: uuid.New(), Embedding: []float32{0, 1, 0}}))

	got, err := s.SearchEpisodes(ctx, conv, []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
