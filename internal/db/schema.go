package db

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id uuid PRIMARY KEY,
		user_id text NOT NULL,
		session_id text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT NOW(),
		updated_at timestamptz NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id uuid PRIMARY KEY,
		conversation_id uuid NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role text NOT NULL,
		content text NOT NULL,
		citations jsonb,
		debug jsonb,
		completed boolean NOT NULL DEFAULT true,
		created_at timestamptz NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_id
		ON messages(conversation_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS conversation_summaries (
		conversation_id uuid PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		summary text NOT NULL,
		summary_version int NOT NULL DEFAULT 1,
		covered_through_message_id uuid NOT NULL,
		covered_through_created_at timestamptz NOT NULL,
		covered_message_count int NOT NULL DEFAULT 0,
		created_at timestamptz NOT NULL DEFAULT NOW(),
		updated_at timestamptz NOT NULL DEFAULT NOW()
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		citations TEXT,
		debug TEXT,
		completed BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_id
		ON messages(conversation_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS conversation_summaries (
		conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		summary TEXT NOT NULL,
		summary_version INTEGER NOT NULL DEFAULT 1,
		covered_through_message_id TEXT NOT NULL,
		covered_through_created_at DATETIME NOT NULL,
		covered_message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// EnsureSchema creates the tables used by the stores when missing
func (c *Client) EnsureSchema(ctx context.Context) error {
	stmts := postgresSchema
	if c.config.Driver == "sqlite3" {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
