package repository

import (
	"context"
	"database/sql"
	"time"

	"chatsync/internal/domain/conversation"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

func (s *PostgresStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	var key sql.NullString
	if c.Type == conversation.TypeDirect {
		if len(c.Participants) != 2 {
			return chat_errors.ErrInvalidInput
		}
		key = sql.NullString{String: directKey(c.Participants[0].UserID, c.Participants[1].UserID), Valid: true}
	}

	return WithTx(ctx, s.db, func(tx DBTX) error {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO conversations (type, name, direct_key, created_by, created_at, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6)
            RETURNING id
        `, c.Type, c.Name, key, c.CreatedBy, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return chat_errors.ErrAlreadyExists
			}
			return err
		}

		for i := range c.Participants {
			p := &c.Participants[i]
			p.ConversationID = c.ID
			_, err := tx.ExecContext(ctx, `
                INSERT INTO participants (conversation_id, user_id, pinned, hidden, nickname, is_close_friend, call_notifications, unread_count, joined_at)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
            `, p.ConversationID, p.UserID, p.Pinned, p.Hidden, p.Nickname, p.IsCloseFriend, p.CallNotifications, p.UnreadCount, p.JoinedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) FindDirect(ctx context.Context, a, b uuid.UUID) (conversation.Conversation, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, directKey(a, b)).Scan(&id)
	if err != nil {
		return conversation.Conversation{}, notFound(err)
	}
	return s.GetConversation(ctx, id)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (conversation.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, db DBTX, id int64) (conversation.Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx, `
        SELECT id, type, name, created_by, last_message_id, created_at, updated_at
        FROM conversations WHERE id = $1
    `, id))
	if err != nil {
		return conversation.Conversation{}, notFound(err)
	}
	parts, err := loadParticipants(ctx, db, []int64{id})
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.Participants = parts[id]
	return c, nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, userID uuid.UUID, includeHidden bool) ([]conversation.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.type, c.name, c.created_by, c.last_message_id, c.created_at, c.updated_at
        FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        WHERE p.user_id = $1 AND ($2 OR NOT p.hidden)
    `, userID, includeHidden)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []conversation.Summary{}, nil
	}

	ids := make([]int64, 0, len(convs))
	var lastIDs []int64
	for _, c := range convs {
		ids = append(ids, c.ID)
		if c.LastMessageID != nil {
			lastIDs = append(lastIDs, *c.LastMessageID)
		}
	}
	parts, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	lasts, err := s.messagesByID(ctx, lastIDs)
	if err != nil {
		return nil, err
	}

	out := make([]conversation.Summary, 0, len(convs))
	for _, c := range convs {
		c.Participants = parts[c.ID]
		sum := conversation.Summary{Conversation: c}
		for _, p := range c.Participants {
			if p.UserID == userID {
				sum.Settings = p
				sum.UnreadCount = p.UnreadCount
			}
		}
		if c.LastMessageID != nil {
			if m, ok := lasts[*c.LastMessageID]; ok {
				sum.LastMessage = &m
			}
		}
		out = append(out, sum)
	}
	sortSummaries(out)
	return out, nil
}

func loadParticipants(ctx context.Context, db DBTX, conversationIDs []int64) (map[int64][]conversation.Participant, error) {
	out := make(map[int64][]conversation.Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(conversationIDs))
	for i, id := range conversationIDs {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `
        SELECT conversation_id, user_id, pinned, hidden, nickname, is_close_friend, call_notifications, unread_count, joined_at
        FROM participants
        WHERE conversation_id IN (`+buildPlaceholders(1, len(args))+`)
        ORDER BY joined_at ASC, user_id ASC
    `, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p conversation.Participant
		if err := rows.Scan(
			&p.ConversationID,
			&p.UserID,
			&p.Pinned,
			&p.Hidden,
			&p.Nickname,
			&p.IsCloseFriend,
			&p.CallNotifications,
			&p.UnreadCount,
			&p.JoinedAt,
		); err != nil {
			return nil, err
		}
		out[p.ConversationID] = append(out[p.ConversationID], p)
	}
	return out, rows.Err()
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var c conversation.Conversation
	var last sql.NullInt64
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.CreatedBy, &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return conversation.Conversation{}, err
	}
	if last.Valid {
		c.LastMessageID = &last.Int64
	}
	return c, nil
}

func (t *postgresTx) Conversation(ctx context.Context) (conversation.Conversation, error) {
	return getConversation(ctx, t.db, t.conversationID)
}

func (t *postgresTx) UpdateParticipant(ctx context.Context, p conversation.Participant) error {
	res, err := t.db.ExecContext(ctx, `
        UPDATE participants
        SET pinned = $1, hidden = $2, nickname = $3, is_close_friend = $4, call_notifications = $5
        WHERE conversation_id = $6 AND user_id = $7
    `, p.Pinned, p.Hidden, p.Nickname, p.IsCloseFriend, p.CallNotifications, t.conversationID, p.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat_errors.ErrNotFound
	}
	return nil
}

func (t *postgresTx) UnhideAll(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `UPDATE participants SET hidden = FALSE WHERE conversation_id = $1 AND hidden`, t.conversationID)
	return err
}

func (t *postgresTx) Touch(ctx context.Context, lastMessageID int64, at time.Time) error {
	_, err := t.db.ExecContext(ctx, `
        UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3
    `, lastMessageID, at, t.conversationID)
	return err
}

func (t *postgresTx) SetUnreadCount(ctx context.Context, userID uuid.UUID, n int) error {
	res, err := t.db.ExecContext(ctx, `
        UPDATE participants SET unread_count = GREATEST($1, 0)
        WHERE conversation_id = $2 AND user_id = $3
    `, n, t.conversationID, userID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return chat_errors.ErrNotFound
	}
	return nil
}

func (t *postgresTx) IncrementUnread(ctx context.Context, except uuid.UUID) error {
	_, err := t.db.ExecContext(ctx, `
        UPDATE participants SET unread_count = unread_count + 1
        WHERE conversation_id = $1 AND user_id <> $2
    `, t.conversationID, except)
	return err
}
