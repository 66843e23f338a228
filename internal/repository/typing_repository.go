package repository

import (
	"context"

	"chatsync/internal/domain/message"
)

func (s *PostgresStore) ListTyping(ctx context.Context, conversationID int64) ([]message.TypingStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT conversation_id, user_id, is_typing, updated_at
        FROM typing_status
        WHERE conversation_id = $1
        ORDER BY updated_at ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.TypingStatus
	for rows.Next() {
		var st message.TypingStatus
		if err := rows.Scan(&st.ConversationID, &st.UserID, &st.IsTyping, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *postgresTx) UpsertTyping(ctx context.Context, st message.TypingStatus) error {
	_, err := t.db.ExecContext(ctx, `
        INSERT INTO typing_status (conversation_id, user_id, is_typing, updated_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (conversation_id, user_id)
        DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at
    `, t.conversationID, st.UserID, st.IsTyping, st.UpdatedAt)
	return err
}
