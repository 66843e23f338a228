package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

func (t *postgresTx) InsertReadReceipts(ctx context.Context, userID uuid.UUID, messageIDs []int64, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(messageIDs)+3)
	args = append(args, userID, at, t.conversationID)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	// ids from other conversations match no row and are skipped
	res, err := t.db.ExecContext(ctx, `
        INSERT INTO message_read_status (message_id, user_id, read_at)
        SELECT m.id, $1, $2
        FROM messages m
        WHERE m.conversation_id = $3 AND m.id IN (`+buildPlaceholders(4, len(messageIDs))+`)
        ON CONFLICT (message_id, user_id) DO NOTHING
    `, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
