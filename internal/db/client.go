// Package db implements the conversation and summary stores on Postgres or
// SQLite through sqlx, guarded by a circuit breaker.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	// HealthInterval is the period of the background ping; 0 disables it
	HealthInterval time.Duration
}

// Client manages the connection pool
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient opens the database, verifies it with a ping and creates the
// schema if it does not exist.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.Driver == "sqlite3" {
		// SQLite serializes writers
		config.MaxConnections = 1
		config.IdleConnections = 1
	}

	rawDB, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	client := NewClientFromDB(rawDB, config, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.db.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := client.EnsureSchema(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}

	if config.HealthInterval > 0 {
		client.wg.Add(1)
		go client.healthCheck(config.HealthInterval)
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
	)
	return client, nil
}

// NewClientFromDB wraps an already opened handle without pinging it
func NewClientFromDB(rawDB *sqlx.DB, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		config.Driver = rawDB.DriverName()
	}
	return &Client{
		db:     circuitbreaker.NewDatabaseWrapper(rawDB, logger),
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the health loop and closes the pool
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// Driver returns the driver name
func (c *Client) Driver() string {
	return c.config.Driver
}
