package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned for unknown or expired request ids
	ErrNotFound = errors.New("debug record not found")
	// ErrForbidden is returned when a record belongs to another user
	ErrForbidden = errors.New("debug record belongs to another user")
)

// DefaultTTL is how long a record is retained
const DefaultTTL = 30 * time.Minute

// Store persists debug records by request id
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, requestID string) (Record, error)
	Delete(ctx context.Context, requestID string) (bool, error)
}

// Key is the Redis key holding a record
func Key(requestID string) string {
	return "debug:" + requestID
}

// RedisStore keeps records as JSON strings that expire server-side
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode debug record: %w", err)
	}
	if err := s.client.Set(ctx, Key(rec.RequestID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save debug record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, requestID string) (Record, error) {
	raw, err := s.client.Get(ctx, Key(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load debug record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode debug record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, requestID string) (bool, error) {
	n, err := s.client.Del(ctx, Key(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete debug record: %w", err)
	}
	return n > 0, nil
}

// MemoryStore keeps records in a bounded in-process LRU with expiry
type MemoryStore struct {
	cache *expirable.LRU[string, Record]
}

// NewMemoryStore creates an in-process store holding at most maxEntries
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{cache: expirable.NewLRU[string, Record](maxEntries, nil, ttl)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.cache.Add(rec.RequestID, rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (Record, error) {
	rec, ok := s.cache.Get(requestID)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, requestID string) (bool, error) {
	return s.cache.Remove(requestID), nil
}

// Fetch loads a record and checks that it belongs to userID
func Fetch(ctx context.Context, s Store, requestID, userID string) (Record, error) {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	if rec.UserID != userID {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

// Remove deletes a record owned by userID
func Remove(ctx context.Context, s Store, requestID, userID string) error {
	if _, err := Fetch(ctx, s, requestID, userID); err != nil {
		return err
	}
	if _, err := s.Delete(ctx, requestID); err != nil {
		return err
	}
	return nil
}
