package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewClientFromDB(sqlx.NewDb(mockDB, "postgres"), Config{}, zaptest.NewLogger(t)), mock
}

func messageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "citations", "debug", "completed", "created_at"})
}

func TestGetOrCreateConversation(t *testing.T) {
	client, mock := newMockClient(t)
	want := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO conversations (id, user_id, session_id, created_at, updated_at)")).
		WithArgs(sqlmock.AnyArg(), "u1", "s1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(want.String()))

	got, err := client.GetOrCreateConversation(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage(t *testing.T) {
	client, mock := newMockClient(t)
	conv := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations SET updated_at = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), conv).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(sqlmock.AnyArg(), conv, store.RoleUser, "hello", nil, nil, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := client.AppendMessage(context.Background(), store.Message{
		ConversationID: conv, Role: store.RoleUser, Content: "hello", Completed: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := client.AppendMessage(context.Background(), store.Message{ConversationID: uuid.New(), Role: store.RoleUser})
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentMessages(t *testing.T) {
	client, mock := newMockClient(t)
	conv := uuid.New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m1, m2 := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE conversation_id = $1 AND completed = $2 ORDER BY created_at DESC, id DESC LIMIT $3")).
		WithArgs(conv, true, 6).
		WillReturnRows(messageRows().
			AddRow(m2.String(), conv.String(), "assistant", "answer", []byte(`{"chunks":["c1"]}`), nil, true, ts.Add(time.Second)).
			AddRow(m1.String(), conv.String(), "user", "question", nil, nil, true, ts))

	msgs, err := client.ListRecentMessages(context.Background(), conv, 6)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m2, msgs[0].ID)
	assert.Equal(t, "answer", msgs[0].Content)
	assert.Equal(t, []interface{}{"c1"}, msgs[0].Citations["chunks"])
	assert.Nil(t, msgs[1].Citations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesSinceUsesCursor(t *testing.T) {
	client, mock := newMockClient(t)
	conv := uuid.New()
	cursor := store.Cursor{CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), MessageID: uuid.New()}

	mock.ExpectQuery(regexp.QuoteMeta("AND (created_at > $3 OR (created_at = $4 AND id > $5)) ORDER BY created_at ASC, id ASC LIMIT $6")).
		WithArgs(conv, true, cursor.CreatedAt, cursor.CreatedAt, cursor.MessageID, 200).
		WillReturnRows(messageRows())

	msgs, err := client.ListMessagesSince(context.Background(), conv, cursor, 200)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessagesByIDs(t *testing.T) {
	client, mock := newMockClient(t)
	conv, a, b := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("id IN ($2, $3)")).
		WithArgs(conv, a, b).
		WillReturnRows(messageRows().AddRow(a.String(), conv.String(), "user", "q", nil, nil, true, time.Now()))

	msgs, err := client.GetMessagesByIDs(context.Background(), conv, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	none, err := client.GetMessagesByIDs(context.Background(), conv, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSummaryNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectQuery("FROM conversation_summaries").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id"}))

	_, err := client.GetSummary(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrSummaryNotFound)
}

func summaryRow(conv, last uuid.UUID, version int, ts time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"conversation_id", "summary", "summary_version", "covered_through_message_id",
		"covered_through_created_at", "covered_message_count", "created_at", "updated_at"}).
		AddRow(conv.String(), "summary", version, last.String(), ts, 4, ts, ts)
}

func TestSaveSummaryInsertAndConflict(t *testing.T) {
	client, mock := newMockClient(t)
	conv, last := uuid.New(), uuid.New()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := store.Summary{ConversationID: conv, Text: "summary", CoveredThroughID: last, CoveredThroughAt: ts, CoveredMessageCount: 4}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (conversation_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM conversation_summaries").WillReturnRows(summaryRow(conv, last, 1, ts))

	saved, err := client.SaveSummary(context.Background(), s, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.Equal(t, last, saved.CoveredThroughID)

	mock.ExpectExec(regexp.QuoteMeta("WHERE conversation_id = $6 AND summary_version = $7")).
		WithArgs("summary", last, ts, 4, sqlmock.AnyArg(), conv, 3, ts, ts, last).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = client.SaveSummary(context.Background(), s, 3)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountCompletedMessages(t *testing.T) {
	client, mock := newMockClient(t)
	conv := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM messages")).
		WithArgs(conv, true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	n, err := client.CountCompletedMessages(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestEnsureSchema(t *testing.T) {
	client, mock := newMockClient(t)
	for range postgresSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, client.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
