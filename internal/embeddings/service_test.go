package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
)

func embeddingServer(t *testing.T, calls *int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/embeddings/", r.URL.Path)
		var req embedRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		time.Sleep(delay)
		resp := embedResponse{ModelUsed: req.Model, Dimensions: 2}
		for i := range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float64{float64(len(req.Texts[i])), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedCachesLocally(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, &calls, 0)
	svc := NewService(Config{BaseURL: srv.URL + "/"}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	v, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, v)

	again, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedSharesConcurrentCalls(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, &calls, 50*time.Millisecond)
	svc := NewService(Config{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Embed(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(client, "embedding-cache", zaptest.NewLogger(t)))

	var calls int32
	srv := embeddingServer(t, &calls, 0)
	ctx := context.Background()

	first := NewService(Config{BaseURL: srv.URL}, cache, zaptest.NewLogger(t))
	_, err := first.Embed(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, mr.Exists(MakeKey("text-embedding-3-small", "shared")))

	// A second process with a cold LRU reads through Redis
	second := NewService(Config{BaseURL: srv.URL}, cache, zaptest.NewLogger(t))
	v, err := second.Embed(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 1}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer empty.Close()

	_, err := NewService(Config{BaseURL: failing.URL}, nil, zaptest.NewLogger(t)).Embed(context.Background(), "x")
	assert.Error(t, err)

	_, err = NewService(Config{BaseURL: empty.URL}, nil, zaptest.NewLogger(t)).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoEmbedding)
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	out, ok := decodeVector(encodeVector(in))
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
}
