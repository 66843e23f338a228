package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"chatsync/internal/domain/outbox"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

type memoryOutbox struct {
	mu     sync.Mutex
	now    func() time.Time
	events map[uuid.UUID]*outbox.Event
}

func NewMemoryOutboxRepository() OutboxRepository {
	return &memoryOutbox{now: time.Now, events: make(map[uuid.UUID]*outbox.Event)}
}

func (r *memoryOutbox) Create(ctx context.Context, e *outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; ok {
		return chat_errors.ErrAlreadyExists
	}
	stored := *e
	r.events[e.ID] = &stored
	return nil
}

func (r *memoryOutbox) Claim(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var claimed []*outbox.Event
	for _, e := range r.events {
		if e.Claimable(now, maxAttempts, lease) {
			claimed = append(claimed, e)
		}
	}
	slices.SortFunc(claimed, func(a, b *outbox.Event) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(claimed) > limit {
		claimed = claimed[:limit]
	}

	out := make([]outbox.Event, 0, len(claimed))
	for _, e := range claimed {
		e.Status = outbox.StatusProcessing
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (r *memoryOutbox) update(id uuid.UUID, fn func(e *outbox.Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return chat_errors.ErrNotFound
	}
	fn(e)
	e.UpdatedAt = r.now()
	return nil
}

func (r *memoryOutbox) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return r.update(id, func(e *outbox.Event) {
		at := r.now()
		e.Status = outbox.StatusDelivered
		e.DeliveredAt = &at
	})
}

func (r *memoryOutbox) Release(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.update(id, func(e *outbox.Event) {
		e.Status = outbox.StatusPending
		e.Attempts++
		e.LastError = lastError
	})
}

func (r *memoryOutbox) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.update(id, func(e *outbox.Event) {
		e.Status = outbox.StatusFailed
		e.Attempts++
		e.LastError = lastError
	})
}

func (r *memoryOutbox) Backlog(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Status == outbox.StatusPending || e.Status == outbox.StatusProcessing {
			n++
		}
	}
	return n, nil
}
