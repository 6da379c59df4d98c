package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type convKey struct {
	userID    string
	sessionID string
}

// Memory implements ConversationStore, SummaryStore and EpisodeStore in
// process. Contents are lost on restart.
type Memory struct {
	mu            sync.RWMutex
	conversations map[convKey]Conversation
	byID          map[uuid.UUID]convKey
	messages      map[uuid.UUID][]Message
	summaries     map[uuid.UUID]Summary
	episodes      map[uuid.UUID]map[uuid.UUID]Episode
	now           func() time.Time
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[convKey]Conversation),
		byID:          make(map[uuid.UUID]convKey),
		messages:      make(map[uuid.UUID][]Message),
		summaries:     make(map[uuid.UUID]Summary),
		episodes:      make(map[uuid.UUID]map[uuid.UUID]Episode),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreateConversation implements ConversationStore
func (m *Memory) GetOrCreateConversation(_ context.Context, userID, sessionID string) (uuid.UUID, error) {
	key := convKey{userID: userID, sessionID: sessionID}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.conversations[key]; ok {
		c.UpdatedAt = now
		m.conversations[key] = c
		return c.ID, nil
	}
	c := Conversation{ID: uuid.New(), UserID: userID, SessionID: sessionID, CreatedAt: now, UpdatedAt: now}
	m.conversations[key] = c
	m.byID[c.ID] = key
	return c.ID, nil
}

// AppendMessage implements ConversationStore. Timestamps within a
// conversation are strictly increasing.
func (m *Memory) AppendMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[msg.ConversationID]; !ok {
		return Message{}, ErrConversationNotFound
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msgs := m.messages[msg.ConversationID]
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	if n := len(msgs); n > 0 && !msgs[n-1].CreatedAt.Before(msg.CreatedAt) {
		msg.CreatedAt = msgs[n-1].CreatedAt.Add(time.Microsecond)
	}
	m.messages[msg.ConversationID] = append(msgs, msg)
	return msg, nil
}

// ListMessages implements ConversationStore
func (m *Memory) ListMessages(_ context.Context, conversationID uuid.UUID, opts ListOptions) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(conversationID, opts, false), nil
}

func (m *Memory) listLocked(conversationID uuid.UUID, opts ListOptions, completedOnly bool) []Message {
	src := m.messages[conversationID]
	out := make([]Message, 0, len(src))
	for _, msg := range src {
		if completedOnly && !msg.Completed {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if opts.Desc {
			return out[j].Cursor().Before(out[i].Cursor())
		}
		return out[i].Cursor().Before(out[j].Cursor())
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// GetMessagesByIDs implements ConversationStore
func (m *Memory) GetMessagesByIDs(_ context.Context, conversationID uuid.UUID, ids []uuid.UUID) ([]Message, error) {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.listLocked(conversationID, ListOptions{}, false) {
		if _, ok := want[msg.ID]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// ClearMessages implements ConversationStore
func (m *Memory) ClearMessages(_ context.Context, conversationID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.messages[conversationID]))
	delete(m.messages, conversationID)
	return n, nil
}

// GetSummary implements SummaryStore
func (m *Memory) GetSummary(_ context.Context, conversationID uuid.UUID) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[conversationID]
	if !ok {
		return Summary{}, ErrSummaryNotFound
	}
	return s, nil
}

// SaveSummary implements SummaryStore
func (m *Memory) SaveSummary(_ context.Context, s Summary, expectedVersion int) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, exists := m.summaries[s.ConversationID]
	switch {
	case !exists && expectedVersion != 0:
		return Summary{}, ErrVersionConflict
	case exists && current.Version != expectedVersion:
		return Summary{}, ErrVersionConflict
	case exists && !current.Cursor().Before(s.Cursor()):
		return Summary{}, ErrVersionConflict
	}

	s.Version = expectedVersion + 1
	s.CreatedAt = now
	if exists {
		s.CreatedAt = current.CreatedAt
	}
	s.UpdatedAt = now
	m.summaries[s.ConversationID] = s
	return s, nil
}

// CountCompletedMessages implements SummaryStore
func (m *Memory) CountCompletedMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.Completed {
			n++
		}
	}
	return n, nil
}

// ListMessagesSince implements SummaryStore
func (m *Memory) ListMessagesSince(_ context.Context, conversationID uuid.UUID, since Cursor, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.listLocked(conversationID, ListOptions{}, true) {
		if !since.IsZero() && !since.Before(msg.Cursor()) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListRecentMessages implements SummaryStore
func (m *Memory) ListRecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(conversationID, ListOptions{Limit: limit, Desc: true}, true), nil
}

// UpsertEpisode implements EpisodeStore
func (m *Memory) UpsertEpisode(_ context.Context, ep Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.episodes[ep.ConversationID]
	if !ok {
		conv = make(map[uuid.UUID]Episode)
		m.episodes[ep.ConversationID] = conv
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = m.now()
	}
	ep.Embedding = append([]float32(nil), ep.Embedding...)
	ep.Score = 0
	conv[ep.AssistantMessageID] = ep
	return nil
}

// SearchEpisodes implements EpisodeStore with brute-force cosine similarity
func (m *Memory) SearchEpisodes(_ context.Context, conversationID uuid.UUID, query []float32, limit int) ([]Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Episode
	for _, ep := range m.episodes[conversationID] {
		if len(ep.Embedding) == 0 {
			continue
		}
		ep.Score = Cosine(query, ep.Embedding)
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
