package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func direct(t *testing.T, s *MemoryStore, a, b uuid.UUID) conversation.Conversation {
	t.Helper()
	c := conversation.Conversation{
		Type:         conversation.TypeDirect,
		Participants: []conversation.Participant{{UserID: a}, {UserID: b}},
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateConversation(context.Background(), &c))
	return c
}

func insert(t *testing.T, s *MemoryStore, convID int64, sender uuid.UUID, key string, at time.Time) message.Message {
	t.Helper()
	m := message.Message{SenderID: sender, IdempotencyKey: key, Content: key, Type: message.TypeText, CreatedAt: at, UpdatedAt: at}
	err := s.InConversation(context.Background(), convID, func(tx ConversationTx) error {
		return tx.InsertMessage(context.Background(), &m)
	})
	require.NoError(t, err)
	return m
}

func TestMemoryStore_DirectConversationIsUniquePerPair(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)

	dup := conversation.Conversation{Type: conversation.TypeDirect, Participants: []conversation.Participant{{UserID: b}, {UserID: a}}}
	assert.ErrorIs(t, s.CreateConversation(context.Background(), &dup), chat_errors.ErrAlreadyExists)

	found, err := s.FindDirect(context.Background(), b, a)
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	_, err = s.FindDirect(context.Background(), a, uuid.New())
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)
}

func TestMemoryStore_IdempotencyKeyIsUniquePerSender(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	first := insert(t, s, c.ID, a, "k", t0)
	insert(t, s, c.ID, b, "k", t0)

	err := s.InConversation(context.Background(), c.ID, func(tx ConversationTx) error {
		found, err := tx.FindByIdempotencyKey(context.Background(), a, "k")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		again := message.Message{SenderID: a, IdempotencyKey: "k"}
		return tx.InsertMessage(context.Background(), &again)
	})
	assert.ErrorIs(t, err, chat_errors.ErrConflict)
}

func TestMemoryStore_ListOrderAndSinceCursor(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	m1 := insert(t, s, c.ID, a, "one", t0)
	m2 := insert(t, s, c.ID, b, "two", t0)
	m3 := insert(t, s, c.ID, a, "three", t0.Add(time.Second))
	ctx := context.Background()

	page, err := s.ListMessages(ctx, c.ID, a, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{m3.ID, m2.ID}, []int64{page[0].ID, page[1].ID})

	page, err = s.ListMessages(ctx, c.ID, a, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	since, err := s.ListMessagesSince(ctx, c.ID, a, t0, m1.ID, 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, m2.ID, since[0].ID, "same updated_at, higher id")
	assert.Equal(t, m3.ID, since[1].ID)

	_, err = s.ListMessages(ctx, 99, a, 0, 10)
	assert.ErrorIs(t, err, chat_errors.ErrNotFound)
}

func TestMemoryStore_ReceiptsAndUnread(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	other := direct(t, s, a, uuid.New())
	m1 := insert(t, s, c.ID, a, "one", t0)
	m2 := insert(t, s, c.ID, a, "two", t0)
	insert(t, s, c.ID, b, "mine", t0)
	foreign := insert(t, s, other.ID, a, "elsewhere", t0)

	err := s.InConversation(context.Background(), c.ID, func(tx ConversationTx) error {
		ctx := context.Background()
		ids, err := tx.UnreadMessageIDs(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID, m2.ID}, ids)

		n, err := tx.InsertReadReceipts(ctx, b, []int64{m1.ID, foreign.ID}, t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.InsertReadReceipts(ctx, b, []int64{m1.ID, m2.ID}, t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ids, err = tx.UnreadMessageIDs(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_DeletionHidesFromViewerOnly(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	m := insert(t, s, c.ID, a, "gone", t0)

	hiddenAt := t0.Add(time.Minute)
	require.NoError(t, s.InConversation(context.Background(), c.ID, func(tx ConversationTx) error {
		return tx.InsertDeletion(context.Background(), message.Deletion{MessageID: m.ID, UserID: a, CreatedAt: hiddenAt})
	}))

	mine, err := s.ListMessages(context.Background(), c.ID, a, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := s.ListMessages(context.Background(), c.ID, b, 0, 10)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)

	// Backfill past the message still tells the viewer it is gone.
	since, err := s.ListMessagesSince(context.Background(), c.ID, a, m.UpdatedAt, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.True(t, since[0].DeletedForMe)
	assert.Empty(t, since[0].Content)
	assert.True(t, hiddenAt.Equal(since[0].UpdatedAt))

	since, err = s.ListMessagesSince(context.Background(), c.ID, b, m.UpdatedAt, m.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, since, "other viewers see no change")
}

func TestMemoryStore_UpdateKeepsImmutableFields(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	m := insert(t, s, c.ID, a, "orig", t0)

	changed := m
	changed.Content = "edited"
	changed.SenderID = b
	changed.CreatedAt = t0.Add(time.Hour)
	changed.IdempotencyKey = "other"
	require.NoError(t, s.InConversation(context.Background(), c.ID, func(tx ConversationTx) error {
		return tx.UpdateMessage(context.Background(), changed)
	}))

	got, err := s.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, a, got.SenderID)
	assert.True(t, t0.Equal(got.CreatedAt))
	assert.Equal(t, "orig", got.IdempotencyKey)
}

func TestMemoryStore_SummariesHonourHiddenAndPinned(t *testing.T) {
	s := NewMemoryStore()
	a := uuid.New()
	first := direct(t, s, a, uuid.New())
	second := direct(t, s, a, uuid.New())
	ctx := context.Background()

	require.NoError(t, s.InConversation(ctx, first.ID, func(tx ConversationTx) error {
		return tx.UpdateParticipant(ctx, conversation.Participant{UserID: a, Pinned: true})
	}))
	require.NoError(t, s.InConversation(ctx, second.ID, func(tx ConversationTx) error {
		return tx.UpdateParticipant(ctx, conversation.Participant{UserID: a, Hidden: true})
	}))

	visible, err := s.ListSummaries(ctx, a, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, first.ID, visible[0].Conversation.ID)

	all, err := s.ListSummaries(ctx, a, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Settings.Pinned)
}

func TestMemoryStore_InConversationSerialisesWriters(t *testing.T) {
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()
	c := direct(t, s, a, b)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InConversation(ctx, c.ID, func(tx ConversationTx) error {
				return tx.IncrementUnread(ctx, a)
			})
		}()
	}
	wg.Wait()

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	for _, p := range got.Participants {
		if p.UserID == b {
			assert.Equal(t, 20, p.UnreadCount)
		} else {
			assert.Zero(t, p.UnreadCount)
		}
	}

	assert.ErrorIs(t, s.InConversation(ctx, 404, func(ConversationTx) error { return nil }), chat_errors.ErrNotFound)
}
