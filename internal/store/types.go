package store

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is keyed by (user_id, session_id)
type Conversation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one persisted chat turn half. Completed is false for assistant
// replies cut short by an error or disconnect.
type Message struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ConversationID uuid.UUID `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	Citations      JSON      `db:"citations" json:"citations,omitempty"`
	Debug          JSON      `db:"debug" json:"debug,omitempty"`
	Completed      bool      `db:"completed" json:"completed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Cursor returns the message's position in (created_at, id) order
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, MessageID: m.ID}
}

// Cursor is a position in a conversation ordered by (created_at, id)
type Cursor struct {
	CreatedAt time.Time
	MessageID uuid.UUID
}

// IsZero reports whether c points before the first message
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.MessageID == uuid.Nil
}

// Before reports whether c sorts strictly before o
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return bytes.Compare(c.MessageID[:], o.MessageID[:]) < 0
}

// Summary is the rolling summary of a conversation's older messages
type Summary struct {
	ConversationID      uuid.UUID `db:"conversation_id" json:"conversation_id"`
	Text                string    `db:"summary" json:"summary"`
	Version             int       `db:"summary_version" json:"summary_version"`
	CoveredThroughAt    time.Time `db:"covered_through_created_at" json:"covered_through_created_at"`
	CoveredThroughID    uuid.UUID `db:"covered_through_message_id" json:"covered_through_message_id"`
	CoveredMessageCount int       `db:"covered_message_count" json:"covered_message_count"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Cursor returns the position of the last summarized message
func (s Summary) Cursor() Cursor {
	return Cursor{CreatedAt: s.CoveredThroughAt, MessageID: s.CoveredThroughID}
}

// Episode is one indexed (user, assistant) exchange
type Episode struct {
	ConversationID     uuid.UUID `json:"conversation_id"`
	UserMessageID      uuid.UUID `json:"user_message_id"`
	AssistantMessageID uuid.UUID `json:"assistant_message_id"`
	UserMessage        string    `json:"user_message"`
	AssistantMessage   string    `json:"assistant_message"`
	Embedding          []float32 `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	// Score is the similarity to the query; set only by searches
	Score float64 `json:"score,omitempty"`
}
