package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps an sqlx database handle with a circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker. The
// breaker is named after the driver ("postgres", "sqlite3").
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := db.DriverName()
	cb := NewCircuitBreaker(name, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "database-client", cb)
	return &DatabaseWrapper{db: db, cb: cb, name: name, logger: logger}
}

// DB returns the underlying handle
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Rebind converts '?' placeholders to the driver's bindvar style
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

func (dw *DatabaseWrapper) guard(ctx context.Context, call func() error) error {
	err := dw.cb.Execute(ctx, call)
	GlobalMetricsCollector.RecordRequest(dw.name, "database-client", dw.cb.State(), err == nil)
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// GetContext scans a single row into dest. sql.ErrNoRows is returned to the
// caller but does not count against the breaker.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error
	cbErr := dw.guard(ctx, func() error {
		queryErr = dw.db.GetContext(ctx, dest, query, args...)
		if errors.Is(queryErr, sql.ErrNoRows) {
			return nil
		}
		return queryErr
	})
	if cbErr != nil {
		return cbErr
	}
	return queryErr
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.guard(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.guard(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var fnErr error
	cbErr := dw.guard(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if fnErr = fn(tx); fnErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dw.logger.Warn("Transaction rollback failed", zap.Error(rbErr))
			}
			// Application-level errors do not trip the breaker
			return nil
		}
		return tx.Commit()
	})
	if cbErr != nil {
		return cbErr
	}
	return fnErr
}

// Close closes the underlying handle
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
