package repository

import (
	"context"
	"database/sql"
	"errors"

	chat_errors "chatsync/pkg/errors"
)

// PostgresStore implements Store on database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InConversation opens a transaction and holds a row lock on the
// conversation until fn returns. fn's writes commit together.
func (s *PostgresStore) InConversation(ctx context.Context, conversationID int64, fn func(tx ConversationTx) error) error {
	return WithTx(ctx, s.db, func(tx DBTX) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return chat_errors.ErrNotFound
			}
			return err
		}
		return fn(&postgresTx{db: tx, conversationID: conversationID})
	})
}

type postgresTx struct {
	db             DBTX
	conversationID int64
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return chat_errors.ErrNotFound
	}
	return err
}
