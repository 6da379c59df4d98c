package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLog(client, 100, time.Minute, zaptest.NewLogger(t)), mr
}

func TestRedisLogAppendAndReplay(t *testing.T) {
	log, mr := newRedisLog(t)
	ctx := context.Background()

	events := []Event{Start("req-1"), Token("he"), Token("llo"), Done()}
	for i, ev := range events {
		seq, err := log.Append(ctx, "req-1", ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	recs, err := log.Replay(ctx, "req-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, StatusStart, recs[0].Status)
	assert.Equal(t, StatusDone, recs[3].Status)
	assert.NotZero(t, recs[0].Timestamp)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(recs[1].Event, &payload))
	assert.Equal(t, "token", payload["status"])
	assert.Equal(t, "he", payload["content"])

	recs, err = log.Replay(ctx, "req-1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Seq)

	assert.True(t, mr.Exists(StreamKey("req-1")))
	assert.Greater(t, mr.TTL(StreamKey("req-1")), time.Duration(0))
}

func TestRedisLogIsolatedPerRequest(t *testing.T) {
	log, _ := newRedisLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, "a", Start("a"))
	require.NoError(t, err)
	seq, err := log.Append(ctx, "b", Start("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	recs, err := log.Replay(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, log.Delete(ctx, "a"))
	recs, err = log.Replay(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisLogSubscribe(t *testing.T) {
	log, _ := newRedisLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := log.Append(ctx, "req", Start("req"))
	require.NoError(t, err)

	out := make(chan Record, 10)
	errCh := make(chan error, 1)
	go func() { errCh <- log.Subscribe(ctx, "req", 0, out) }()

	_, err = log.Append(ctx, "req", Token("x"))
	require.NoError(t, err)
	_, err = log.Append(ctx, "req", Done())
	require.NoError(t, err)

	var got []Status
	for rec := range collect(out, 3, 3*time.Second) {
		got = append(got, rec.Status)
	}
	assert.Equal(t, []Status{StatusStart, StatusToken, StatusDone}, got)
	assert.NoError(t, <-errCh)
}

func TestRedisLogConcurrentAppend(t *testing.T) {
	log, _ := newRedisLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := log.Append(ctx, "req", Token("t"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	recs, err := log.Replay(ctx, "req", 0)
	require.NoError(t, err)
	require.Len(t, recs, 50)
	seen := make(map[uint64]bool)
	for _, r := range recs {
		assert.False(t, seen[r.Seq], "duplicate seq %d", r.Seq)
		seen[r.Seq] = true
	}
}

func TestMemoryLogRing(t *testing.T) {
	log := NewMemoryLog(3, 10, time.Minute)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "req", Token("t"))
		require.NoError(t, err)
	}

	// Ring holds seq 2,3,4
	recs, err := log.Replay(ctx, "req", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(2), recs[0].Seq)
	assert.Equal(t, uint64(4), recs[2].Seq)

	recs, err = log.Replay(ctx, "req", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Seq)

	recs, err = log.Replay(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryLogEvictsOldRequests(t *testing.T) {
	log := NewMemoryLog(8, 2, time.Minute)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, id, Start(id))
		require.NoError(t, err)
	}
	recs, _ := log.Replay(ctx, "a", 0)
	assert.Empty(t, recs)
	recs, _ = log.Replay(ctx, "c", 0)
	assert.Len(t, recs, 1)
}

// collect yields up to n records from ch, stopping early after timeout
func collect(ch <-chan Record, n int, timeout time.Duration) <-chan Record {
	out := make(chan Record, n)
	go func() {
		defer close(out)
		deadline := time.After(timeout)
		for i := 0; i < n; i++ {
			select {
			case r := <-ch:
				out <- r
			case <-deadline:
				return
			}
		}
	}()
	return out
}
