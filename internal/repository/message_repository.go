package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chatsync/internal/domain/message"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, sender_id, content, type, file_url, idempotency_key, reactions, deleted, created_at, updated_at, edited_at, deleted_at`

// scanMessage reads messageColumns in order, followed by any extra columns.
func scanMessage(row rowScanner, extra ...any) (message.Message, error) {
	var (
		m         message.Message
		fileURL   sql.NullString
		reactions []byte
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)
	dest := []any{
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&m.Type,
		&fileURL,
		&m.IdempotencyKey,
		&reactions,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
		&editedAt,
		&deletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return message.Message{}, err
	}
	if fileURL.Valid {
		m.FileURL = &fileURL.String
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	m.Reactions = map[uuid.UUID]string{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return message.Message{}, err
		}
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()
	out := []message.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeReactions(r map[uuid.UUID]string) (string, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (message.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return message.Message{}, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) messagesByID(ctx context.Context, ids []int64) (map[int64]message.Message, error) {
	out := make(map[int64]message.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id IN (`+buildPlaceholders(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, viewer uuid.UUID, offset, limit int) ([]message.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages m
        WHERE m.conversation_id = $1
          AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $2)
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $3 OFFSET $4
    `, conversationID, viewer, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessagesSince orders by the viewer's sync time: the later of the
// message's updated_at and the viewer's own deletion of it. Messages the
// viewer deleted come back as DeletedForMe markers.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, conversationID int64, viewer uuid.UUID, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`, hidden_at
        FROM (
            SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.file_url, m.idempotency_key,
                   m.reactions, m.deleted, m.created_at, m.edited_at, m.deleted_at,
                   GREATEST(m.updated_at, COALESCE(d.created_at, m.updated_at)) AS updated_at,
                   d.created_at AS hidden_at
            FROM messages m
            LEFT JOIN message_deletions d ON d.message_id = m.id AND d.user_id = $4
            WHERE m.conversation_id = $1
        ) v
        WHERE v.updated_at > $2 OR (v.updated_at = $2 AND v.id > $3)
        ORDER BY v.updated_at ASC, v.id ASC
        LIMIT $5
    `, conversationID, updatedAfter, afterID, viewer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []message.Message{}
	for rows.Next() {
		var hiddenAt sql.NullTime
		m, err := scanMessage(rows, &hiddenAt)
		if err != nil {
			return nil, err
		}
		if hiddenAt.Valid {
			m.HideForViewer(hiddenAt.Time)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *postgresTx) GetMessage(ctx context.Context, id int64) (message.Message, error) {
	m, err := scanMessage(t.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2
    `, id, t.conversationID))
	if err != nil {
		return message.Message{}, notFound(err)
	}
	return m, nil
}

func (t *postgresTx) FindByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (message.Message, error) {
	m, err := scanMessage(t.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND idempotency_key = $2
    `, senderID, key))
	if err != nil {
		return message.Message{}, notFound(err)
	}
	return m, nil
}

func (t *postgresTx) InsertMessage(ctx context.Context, m *message.Message) error {
	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return err
	}
	m.ConversationID = t.conversationID
	err = t.db.QueryRowContext(ctx, `
        INSERT INTO messages (conversation_id, sender_id, content, type, file_url, idempotency_key, reactions, deleted, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10)
        RETURNING id
    `,
		m.ConversationID,
		m.SenderID,
		m.Content,
		m.Type,
		nullString(m.FileURL),
		m.IdempotencyKey,
		reactions,
		m.Deleted,
		m.CreatedAt,
		m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return chat_errors.ErrConflict
		}
		return err
	}
	if m.Reactions == nil {
		m.Reactions = map[uuid.UUID]string{}
	}
	return nil
}

func (t *postgresTx) UpdateMessage(ctx context.Context, m message.Message) error {
	reactions, err := encodeReactions(m.Reactions)
	if err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, `
        UPDATE messages
        SET content = $1, file_url = $2, reactions = $3::jsonb, deleted = $4, updated_at = $5, edited_at = $6, deleted_at = $7
        WHERE id = $8 AND conversation_id = $9
    `,
		m.Content,
		nullString(m.FileURL),
		reactions,
		m.Deleted,
		m.UpdatedAt,
		nullTime(m.EditedAt),
		nullTime(m.DeletedAt),
		m.ID,
		t.conversationID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat_errors.ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertDeletion(ctx context.Context, d message.Deletion) error {
	_, err := t.db.ExecContext(ctx, `
        INSERT INTO message_deletions (message_id, user_id, created_at)
        VALUES ($1,$2,$3)
        ON CONFLICT (message_id, user_id) DO NOTHING
    `, d.MessageID, d.UserID, d.CreatedAt)
	return err
}

func (t *postgresTx) UnreadMessageIDs(ctx context.Context, userID uuid.UUID) ([]int64, error) {
	rows, err := t.db.QueryContext(ctx, `
        SELECT m.id
        FROM messages m
        WHERE m.conversation_id = $1
          AND m.sender_id <> $2
          AND NOT m.deleted
          AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $2)
          AND NOT EXISTS (SELECT 1 FROM message_read_status r WHERE r.message_id = m.id AND r.user_id = $2)
        ORDER BY m.id ASC
    `, t.conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
