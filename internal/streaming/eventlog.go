package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Record is one persisted pipeline event
type Record struct {
	Seq       uint64          `json:"seq"`
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	Event     json.RawMessage `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventLog stores every event of a request for later replay
type EventLog interface {
	Append(ctx context.Context, requestID string, ev Event) (uint64, error)
	// Replay returns records with Seq > since in append order
	Replay(ctx context.Context, requestID string, since uint64) ([]Record, error)
}

// StreamKey is the Redis Stream holding a request's events
func StreamKey(requestID string) string {
	return "ragrouter:events:" + requestID
}

func seqKey(requestID string) string {
	return StreamKey(requestID) + ":seq"
}

// RedisLog appends events to a capped Redis Stream per request
type RedisLog struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLog creates a Redis Streams event log. maxLen caps each stream
// (approximately) and ttl expires it after the last append.
func NewRedisLog(client *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisLog {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLog{client: client, maxLen: maxLen, ttl: ttl, logger: logger}
}

// Append records ev and returns its sequence number
func (l *RedisLog) Append(ctx context.Context, requestID string, ev Event) (uint64, error) {
	seq, err := l.client.Incr(ctx, seqKey(requestID)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment event seq: %w", err)
	}

	_, err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(requestID),
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"request_id": requestID,
			"status":     string(ev.Status),
			"payload":    string(ev.Marshal()),
			"ts_nano":    strconv.FormatInt(time.Now().UnixNano(), 10),
			"seq":        strconv.FormatInt(seq, 10),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	pipe := l.client.Pipeline()
	pipe.Expire(ctx, StreamKey(requestID), l.ttl)
	pipe.Expire(ctx, seqKey(requestID), l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Failed to set event log TTL", zap.String("request_id", requestID), zap.Error(err))
	}
	return uint64(seq), nil
}

// Replay reads the whole stream and filters by sequence
func (l *RedisLog) Replay(ctx context.Context, requestID string, since uint64) ([]Record, error) {
	msgs, err := l.client.XRange(ctx, StreamKey(requestID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		rec, err := decodeMessage(m)
		if err != nil {
			l.logger.Warn("Skipping malformed event", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if rec.Seq > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe delivers records with Seq > since to out until ctx is done or a
// done event has been delivered.
func (l *RedisLog) Subscribe(ctx context.Context, requestID string, since uint64, out chan<- Record) error {
	lastID := "0"
	for {
		streams, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{StreamKey(requestID), lastID},
			Count:   100,
			Block:   time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe events: %w", err)
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				lastID = m.ID
				rec, err := decodeMessage(m)
				if err != nil || rec.Seq <= since {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return nil
				}
				if rec.Status == StatusDone {
					return nil
				}
			}
		}
	}
}

// Delete removes a request's stream
func (l *RedisLog) Delete(ctx context.Context, requestID string) error {
	return l.client.Del(ctx, StreamKey(requestID), seqKey(requestID)).Err()
}

func decodeMessage(m redis.XMessage) (Record, error) {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad seq: %w", err)
	}
	rec := Record{
		Seq:       seq,
		RequestID: str("request_id"),
		Status:    Status(str("status")),
		Event:     json.RawMessage(str("payload")),
	}
	if ns, err := strconv.ParseInt(str("ts_nano"), 10, 64); err == nil {
		rec.Timestamp = time.Unix(0, ns).UTC()
	}
	return rec, nil
}

// MemoryLog keeps a bounded ring of events per request in process. Request
// logs expire after ttl and at most maxRequests are tracked.
type MemoryLog struct {
	mu       sync.Mutex
	rings    *expirable.LRU[string, *ring]
	capacity int
}

// NewMemoryLog creates an in-process event log
func NewMemoryLog(capacity, maxRequests int, ttl time.Duration) *MemoryLog {
	if capacity <= 0 {
		capacity = 256
	}
	if maxRequests <= 0 {
		maxRequests = 1000
	}
	return &MemoryLog{
		rings:    expirable.NewLRU[string, *ring](maxRequests, nil, ttl),
		capacity: capacity,
	}
}

// Append records ev
func (m *MemoryLog) Append(_ context.Context, requestID string, ev Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg, ok := m.rings.Get(requestID)
	if !ok {
		rg = newRing(m.capacity)
		m.rings.Add(requestID, rg)
	}
	rg.nextSeq++
	rg.push(Record{
		Seq:       rg.nextSeq,
		RequestID: requestID,
		Status:    ev.Status,
		Event:     ev.Marshal(),
		Timestamp: time.Now().UTC(),
	})
	return rg.nextSeq, nil
}

// Replay returns records with Seq > since still held by the ring
func (m *MemoryLog) Replay(_ context.Context, requestID string, since uint64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg, ok := m.rings.Peek(requestID)
	if !ok {
		return nil, nil
	}
	return rg.since(since), nil
}

// ring is a fixed-capacity ring buffer of records
type ring struct {
	buf     []Record
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Record, capacity)} }

func (r *ring) push(rec Record) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Record {
	out := make([]Record, 0, r.count)
	for i := 0; i < r.count; i++ {
		rec := r.buf[(r.start+i)%len(r.buf)]
		if rec.Seq > seq {
			out = append(out, rec)
		}
	}
	return out
}
