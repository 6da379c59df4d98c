package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/workername"
)

func echoConstructor(built *int32) Constructor {
	return func(addr workername.Parsed) (Strategy, error) {
		atomic.AddInt32(built, 1)
		return Func(func(ctx context.Context, q Query) (Output, error) {
			return Output{Answer: addr.Key() + "|" + q.Message}, nil
		}), nil
	}
}

func TestRegistryResolveCachesPerKey(t *testing.T) {
	var built int32
	r := NewRegistry(zaptest.NewLogger(t))
	r.RegisterAll(echoConstructor(&built))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Resolve("movie", "graph_agent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&built))
	assert.Equal(t, 1, r.Len())

	_, _, err := r.Resolve("edu", "graph_agent")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&built))
}

func TestRegistryResolveWorker(t *testing.T) {
	var built int32
	r := NewRegistry(zaptest.NewLogger(t))
	r.RegisterAll(echoConstructor(&built))

	s, addr, err := r.ResolveWorker("movie:naive_rag_agent:retrieve_only")
	require.NoError(t, err)
	assert.Equal(t, "movie", addr.Domain)

	out, err := s.Execute(context.Background(), Query{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "movie:naive_rag_agent:retrieve_only|hi", out.Answer)
}

func TestRegistryDefaultsStrategy(t *testing.T) {
	var built int32
	r := NewRegistry(zaptest.NewLogger(t))
	r.RegisterAll(echoConstructor(&built))

	_, addr, err := r.Resolve("movie", "")
	require.NoError(t, err)
	assert.Equal(t, string(DefaultKind), addr.Strategy)
}

func TestRegistryAddressingErrors(t *testing.T) {
	var built int32
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(KindHybrid, echoConstructor(&built))

	_, _, err := r.ResolveWorker("default:graph_agent:retrieve_only")
	assert.ErrorIs(t, err, workername.ErrForbiddenDomain)

	_, _, err = r.ResolveWorker("movie:graph_agent:ingest")
	assert.ErrorIs(t, err, workername.ErrUnsupportedMode)

	_, _, err = r.Resolve("movie", "bm25_agent")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, _, err = r.Resolve("movie", "graph_agent")
	assert.ErrorIs(t, err, ErrNoConstructor)

	assert.Zero(t, atomic.LoadInt32(&built))
}

func TestRegistryConstructorErrorNotCached(t *testing.T) {
	calls := 0
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(KindGraph, func(addr workername.Parsed) (Strategy, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("graph store unavailable")
		}
		return Func(func(context.Context, Query) (Output, error) { return Output{}, nil }), nil
	})

	_, _, err := r.Resolve("movie", "graph_agent")
	require.Error(t, err)
	_, _, err = r.Resolve("movie", "graph_agent")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("fusion_agent")
	require.NoError(t, err)
	assert.Equal(t, KindFusion, k)

	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrUnknownKind)

	kinds := Kinds()
	kinds[0] = "mutated"
	assert.Equal(t, KindHybrid, Kinds()[0])
}
