package vectordb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

// EpisodeStore keeps conversation episodes in one Qdrant collection. The
// point id is the assistant message id, so re-indexing a turn overwrites it.
type EpisodeStore struct {
	client *Client
}

var _ store.EpisodeStore = (*EpisodeStore)(nil)

// NewEpisodeStore wraps client
func NewEpisodeStore(client *Client) *EpisodeStore {
	return &EpisodeStore{client: client}
}

// UpsertEpisode implements store.EpisodeStore
func (s *EpisodeStore) UpsertEpisode(ctx context.Context, ep store.Episode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Upsert(ctx, s.client.cfg.Collection, []UpsertItem{{
		ID:     ep.AssistantMessageID.String(),
		Vector: ep.Embedding,
		Payload: map[string]interface{}{
			"conversation_id":      ep.ConversationID.String(),
			"user_message_id":      ep.UserMessageID.String(),
			"assistant_message_id": ep.AssistantMessageID.String(),
			"user_message":         ep.UserMessage,
			"assistant_message":    ep.AssistantMessage,
			"created_at":           ep.CreatedAt.Format(time.RFC3339Nano),
		},
	}})
	if err != nil {
		return fmt.Errorf("upsert episode: %w", err)
	}
	return nil
}

// SearchEpisodes implements store.EpisodeStore
func (s *EpisodeStore) SearchEpisodes(ctx context.Context, conversationID uuid.UUID, query []float32, limit int) ([]store.Episode, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "conversation_id", "match": map[string]interface{}{"value": conversationID.String()}},
		},
	}
	points, err := s.client.Search(ctx, s.client.cfg.Collection, query, limit, 0, filter)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}

	out := make([]store.Episode, 0, len(points))
	for _, p := range points {
		out = append(out, episodeFromPayload(conversationID, p))
	}
	return out, nil
}

func episodeFromPayload(conversationID uuid.UUID, p Point) store.Episode {
	ep := store.Episode{ConversationID: conversationID, Score: p.Score}
	str := func(key string) string {
		v, _ := p.Payload[key].(string)
		return v
	}
	ep.UserMessage = str("user_message")
	ep.AssistantMessage = str("assistant_message")
	ep.UserMessageID, _ = uuid.Parse(str("user_message_id"))
	ep.AssistantMessageID, _ = uuid.Parse(str("assistant_message_id"))
	if ep.AssistantMessageID == uuid.Nil {
		if id, ok := p.ID.(string); ok {
			ep.AssistantMessageID, _ = uuid.Parse(id)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		ep.CreatedAt = ts
	}
	return ep
}
