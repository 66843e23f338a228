package repository

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"chatsync/internal/domain/outbox"

	"github.com/google/uuid"
)

type outboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Create(ctx context.Context, e *outbox.Event) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO outbox_events (id, event_type, channel, payload, status, attempts, last_error, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, e.ID, e.EventType, e.Channel, e.Payload, e.Status, e.Attempts, e.LastError, e.CreatedAt, e.UpdatedAt)
	return err
}

// Claim locks candidate rows with SKIP LOCKED so concurrent API instances
// never publish the same event twice in one round.
func (r *outboxRepository) Claim(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]outbox.Event, error) {
	now := time.Now()
	rows, err := r.db.QueryContext(ctx, `
        UPDATE outbox_events SET status = $1, updated_at = $2
        WHERE id IN (
            SELECT id FROM outbox_events
            WHERE attempts < $3
              AND (status = $4 OR (status = $1 AND updated_at <= $5))
            ORDER BY created_at ASC
            LIMIT $6
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, event_type, channel, payload, status, attempts, last_error, created_at, updated_at
    `, outbox.StatusProcessing, now, maxAttempts, outbox.StatusPending, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var e outbox.Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.Channel, &e.Payload, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order
	slices.SortFunc(out, func(a, b outbox.Event) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events SET status = $1, delivered_at = $2, updated_at = $2
        WHERE id = $3
    `, outbox.StatusDelivered, now, id)
	return err
}

func (r *outboxRepository) Release(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.attempted(ctx, id, outbox.StatusPending, lastError)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.attempted(ctx, id, outbox.StatusFailed, lastError)
}

func (r *outboxRepository) attempted(ctx context.Context, id uuid.UUID, status outbox.Status, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE outbox_events SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = $3
        WHERE id = $4
    `, status, lastError, time.Now(), id)
	return err
}

func (r *outboxRepository) Backlog(ctx context.Context) (int, error) {
	var n sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
        SELECT count(*) FROM outbox_events WHERE status IN ($1, $2)
    `, outbox.StatusPending, outbox.StatusProcessing).Scan(&n)
	return int(n.Int64), err
}
