package repository

import (
	"context"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(16) NOT NULL CHECK (type IN ('direct', 'group')),
		name TEXT NOT NULL DEFAULT '',
		direct_key TEXT UNIQUE,
		created_by UUID NOT NULL,
		last_message_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		user_id UUID NOT NULL,
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		nickname TEXT NOT NULL DEFAULT '',
		is_close_friend BOOLEAN NOT NULL DEFAULT FALSE,
		call_notifications BOOLEAN NOT NULL DEFAULT TRUE,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		sender_id UUID NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type VARCHAR(8) NOT NULL CHECK (type IN ('text', 'image', 'file')),
		file_url TEXT,
		idempotency_key TEXT NOT NULL,
		reactions JSONB NOT NULL DEFAULT '{}'::jsonb,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		edited_at TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ,
		UNIQUE (sender_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timeline ON messages (conversation_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_updated ON messages (conversation_id, updated_at, id)`,
	`CREATE TABLE IF NOT EXISTS message_read_status (
		message_id BIGINT NOT NULL REFERENCES messages(id),
		user_id UUID NOT NULL,
		read_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_deletions (
		message_id BIGINT NOT NULL REFERENCES messages(id),
		user_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS typing_status (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		user_id UUID NOT NULL,
		is_typing BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		event_type VARCHAR(50) NOT NULL,
		channel VARCHAR(100) NOT NULL,
		payload JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		delivered_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (status, created_at)`,
}

// InitSchema creates the tables used by PostgresStore and the outbox.
func InitSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i, err)
			}
		}
		return nil
	})
}
