package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(mockDB, "sqlmock"), zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content"}).AddRow("m1", "hello").AddRow("m2", "world"))
	var rows []struct {
		ID      string `db:"id"`
		Content string `db:"content"`
	}
	if err := wrapper.SelectContext(ctx, &rows, "SELECT id, content FROM messages"); err != nil {
		t.Errorf("SelectContext failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(rows))
	}

	mock.ExpectExec("INSERT INTO messages").
		WithArgs("hello").
		WillReturnResult(sqlmock.NewResult(1, 1))
	result, err := wrapper.ExecContext(ctx, "INSERT INTO messages (content) VALUES (?)", "hello")
	if err != nil {
		t.Fatalf("ExecContext failed: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT (.+) FROM summaries").WillReturnError(sql.ErrNoRows)
		var out struct {
			Text string `db:"text"`
		}
		err := wrapper.GetContext(ctx, &out, "SELECT text FROM summaries WHERE id = ?", "c1")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("Expected sql.ErrNoRows, got %v", err)
		}
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for sql.ErrNoRows")
	}
}

func TestDatabaseWrapper_FailuresOpenBreaker(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	threshold := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectExec("UPDATE").WillReturnError(errors.New("connection refused"))
		if _, err := wrapper.ExecContext(ctx, "UPDATE conversations SET title = ?", "x"); err == nil {
			t.Fatal("Expected exec error")
		}
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Fatal("Expected breaker to open after repeated failures")
	}
	if _, err := wrapper.ExecContext(ctx, "UPDATE conversations SET title = ?", "x"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestDatabaseWrapper_WithTx(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	err := wrapper.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO messages (content) VALUES (?)", "a")
		return err
	})
	if err != nil {
		t.Errorf("WithTx commit failed: %v", err)
	}

	appErr := errors.New("version conflict")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = wrapper.WithTx(ctx, func(tx *sqlx.Tx) error { return appErr })
	if !errors.Is(err, appErr) {
		t.Errorf("Expected application error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
