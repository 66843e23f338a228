package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/domain/outbox"
	chat_errors "chatsync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOutbox_ClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryOutboxRepository().(*memoryOutbox)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	e := outbox.NewEvent("typing", "channel:user:x", []byte("{}"), errors.New("down"), now)
	require.NoError(t, repo.Create(ctx, e))
	assert.ErrorIs(t, repo.Create(ctx, e), chat_errors.ErrAlreadyExists)

	first, err := repo.Claim(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "down", first[0].LastError)

	again, err := repo.Claim(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "held by the first claim")

	now = now.Add(time.Minute)
	taken, err := repo.Claim(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Len(t, taken, 1, "lease expired")
}

func TestMemoryOutbox_AttemptBudget(t *testing.T) {
	repo := NewMemoryOutboxRepository()
	ctx := context.Background()
	e := outbox.NewEvent("typing", "channel:user:x", []byte("{}"), nil, time.Now())
	require.NoError(t, repo.Create(ctx, e))

	for i := 0; i < 2; i++ {
		claimed, err := repo.Claim(ctx, 10, 2, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, repo.Release(ctx, e.ID, "still down"))
	}

	claimed, err := repo.Claim(ctx, 10, 2, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	n, err := repo.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pending but out of attempts")
}
