// Package store defines conversation persistence and an in-process
// implementation used when no database is configured.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrConversationNotFound is returned for an unknown conversation id
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrSummaryNotFound is returned when a conversation has no summary yet
	ErrSummaryNotFound = errors.New("summary not found")
	// ErrVersionConflict is returned when a summary changed since it was read,
	// or when the new cursor does not advance past the stored one
	ErrVersionConflict = errors.New("summary version conflict")
)

// ListOptions page through a conversation's messages
type ListOptions struct {
	Limit int
	// Desc lists newest first
	Desc bool
}

// ConversationStore persists conversations and their messages
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, userID, sessionID string) (uuid.UUID, error)
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, opts ListOptions) ([]Message, error)
	GetMessagesByIDs(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID) ([]Message, error)
	ClearMessages(ctx context.Context, conversationID uuid.UUID) (int64, error)
}

// SummaryStore persists rolling summaries. Only completed messages are
// visible through its listing methods.
type SummaryStore interface {
	GetSummary(ctx context.Context, conversationID uuid.UUID) (Summary, error)
	// SaveSummary stores s when the current version equals expectedVersion
	// (0 when no summary exists yet) and s.Cursor() advances past the stored
	// cursor. Otherwise it returns ErrVersionConflict.
	SaveSummary(ctx context.Context, s Summary, expectedVersion int) (Summary, error)
	CountCompletedMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
	// ListMessagesSince returns completed messages strictly after since in
	// ascending order.
	ListMessagesSince(ctx context.Context, conversationID uuid.UUID, since Cursor, limit int) ([]Message, error)
	// ListRecentMessages returns the newest completed messages, newest first.
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
}

// EpisodeStore indexes exchanges for similarity recall
type EpisodeStore interface {
	// UpsertEpisode is idempotent on the assistant message id
	UpsertEpisode(ctx context.Context, ep Episode) error
	// SearchEpisodes returns up to limit episodes of one conversation ordered
	// by descending similarity to query.
	SearchEpisodes(ctx context.Context, conversationID uuid.UUID, query []float32, limit int) ([]Episode, error)
}
