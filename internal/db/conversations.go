package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

const messageColumns = `id, conversation_id, role, content, citations, debug, completed, created_at`

var (
	_ store.ConversationStore = (*Client)(nil)
	_ store.SummaryStore      = (*Client)(nil)
)

// now is truncated to the precision Postgres keeps so cursors read back
// compare equal to the values written.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// GetOrCreateConversation implements store.ConversationStore
func (c *Client) GetOrCreateConversation(ctx context.Context, userID, sessionID string) (uuid.UUID, error) {
	ts := now()
	var id uuid.UUID
	err := c.db.GetContext(ctx, &id, c.db.Rebind(`
		INSERT INTO conversations (id, user_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, session_id) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id`),
		uuid.New(), userID, sessionID, ts, ts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return id, nil
}

// AppendMessage implements store.ConversationStore
func (c *Client) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}

	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
			msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return store.ErrConversationNotFound
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Citations, msg.Debug, msg.Completed, msg.CreatedAt)
		return err
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages implements store.ConversationStore
func (c *Client) ListMessages(ctx context.Context, conversationID uuid.UUID, opts store.ListOptions) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?` + orderBy(opts.Desc)
	args := []interface{}{conversationID}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return c.selectMessages(ctx, query, args...)
}

// GetMessagesByIDs implements store.ConversationStore
func (c *Client) GetMessagesByIDs(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID) ([]store.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND id IN (?)`+orderBy(false), conversationID, ids)
	if err != nil {
		return nil, fmt.Errorf("build message id query: %w", err)
	}
	return c.selectMessages(ctx, query, args...)
}

// ClearMessages implements store.ConversationStore
func (c *Client) ClearMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	res, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), conversationID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return res.RowsAffected()
}

// GetSummary implements store.SummaryStore
func (c *Client) GetSummary(ctx context.Context, conversationID uuid.UUID) (store.Summary, error) {
	var s store.Summary
	err := c.db.GetContext(ctx, &s, c.db.Rebind(`
		SELECT conversation_id, summary, summary_version, covered_through_message_id,
			covered_through_created_at, covered_message_count, created_at, updated_at
		FROM conversation_summaries WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Summary{}, store.ErrSummaryNotFound
	}
	if err != nil {
		return store.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return s, nil
}

// SaveSummary implements store.SummaryStore. The version and cursor checks
// are part of the write statement, so concurrent savers cannot both win.
func (c *Client) SaveSummary(ctx context.Context, s store.Summary, expectedVersion int) (store.Summary, error) {
	ts := now()
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = c.db.ExecContext(ctx, c.db.Rebind(`
			INSERT INTO conversation_summaries (conversation_id, summary, summary_version,
				covered_through_message_id, covered_through_created_at, covered_message_count, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id) DO NOTHING`),
			s.ConversationID, s.Text, s.CoveredThroughID, s.CoveredThroughAt, s.CoveredMessageCount, ts, ts)
	} else {
		res, err = c.db.ExecContext(ctx, c.db.Rebind(`
			UPDATE conversation_summaries
			SET summary = ?, summary_version = summary_version + 1, covered_through_message_id = ?,
				covered_through_created_at = ?, covered_message_count = ?, updated_at = ?
			WHERE conversation_id = ? AND summary_version = ?
				AND (covered_through_created_at < ?
					OR (covered_through_created_at = ? AND covered_through_message_id < ?))`),
			s.Text, s.CoveredThroughID, s.CoveredThroughAt, s.CoveredMessageCount, ts,
			s.ConversationID, expectedVersion,
			s.CoveredThroughAt, s.CoveredThroughAt, s.CoveredThroughID)
	}
	if err != nil {
		return store.Summary{}, fmt.Errorf("save summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.Summary{}, store.ErrVersionConflict
	}
	return c.GetSummary(ctx, s.ConversationID)
}

// CountCompletedMessages implements store.SummaryStore
func (c *Client) CountCompletedMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n, c.db.Rebind(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND completed = ?`), conversationID, true)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ListMessagesSince implements store.SummaryStore
func (c *Client) ListMessagesSince(ctx context.Context, conversationID uuid.UUID, since store.Cursor, limit int) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND completed = ?`
	args := []interface{}{conversationID, true}
	if !since.IsZero() {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, since.CreatedAt, since.CreatedAt, since.MessageID)
	}
	query += orderBy(false)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.selectMessages(ctx, query, args...)
}

// ListRecentMessages implements store.SummaryStore
func (c *Client) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	return c.selectMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND completed = ?`+orderBy(true)+` LIMIT ?`,
		conversationID, true, limit)
}

func (c *Client) selectMessages(ctx context.Context, query string, args ...interface{}) ([]store.Message, error) {
	var rows []store.Message
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

func orderBy(desc bool) string {
	if desc {
		return ` ORDER BY created_at DESC, id DESC`
	}
	return ` ORDER BY created_at ASC, id ASC`
}
