package services

import (
	"context"
	"testing"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/events"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationService_CreateDirectIsGetOrCreate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	again, created, err := e.conversations.CreateDirect(ctx, e.bob, e.alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.convID, again.ID)

	_, _, err = e.conversations.CreateDirect(ctx, e.alice, e.alice)
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)
	assert.Empty(t, e.pub.received(e.alice), "creation is silent")
}

func TestConversationService_CreateGroup(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	carol := uuid.New()

	g, err := e.conversations.CreateGroup(ctx, e.alice, " team ", []uuid.UUID{e.bob, carol, e.bob, uuid.Nil})
	require.NoError(t, err)
	assert.Equal(t, conversation.TypeGroup, g.Type)
	assert.Equal(t, "team", g.Name)
	assert.ElementsMatch(t, []uuid.UUID{e.alice, e.bob, carol}, g.ParticipantIDs())

	_, err = e.conversations.CreateGroup(ctx, e.alice, "solo", []uuid.UUID{e.alice})
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)

	_, err = e.conversations.Get(ctx, g.ID, uuid.New())
	assert.ErrorIs(t, err, chat_errors.ErrForbidden)
}

func TestConversationService_SettingsArePerParticipant(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	p, err := e.conversations.Pin(ctx, e.convID, e.alice, true)
	require.NoError(t, err)
	assert.True(t, p.Pinned)
	_, err = e.conversations.SetNickname(ctx, e.convID, e.alice, "  Bobby ")
	require.NoError(t, err)
	p, err = e.conversations.SetCallNotifications(ctx, e.convID, e.alice, false)
	require.NoError(t, err)
	assert.False(t, p.CallNotifications)
	assert.Equal(t, "Bobby", p.Nickname)

	mine, err := e.conversations.List(ctx, e.alice, false)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.True(t, mine[0].Settings.Pinned)

	theirs, err := e.conversations.List(ctx, e.bob, false)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.False(t, theirs[0].Settings.Pinned)
	assert.Empty(t, theirs[0].Settings.Nickname)

	assert.Equal(t, []string{events.EventParticipantUpdated, events.EventParticipantUpdated, events.EventParticipantUpdated}, e.pub.received(e.alice))
	assert.Empty(t, e.pub.received(e.bob))

	_, err = e.conversations.SetCloseFriend(ctx, e.convID, uuid.New(), true)
	assert.ErrorIs(t, err, chat_errors.ErrForbidden)
}

func TestConversationService_PinnedSortFirst(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	carol := uuid.New()
	other, _, err := e.conversations.CreateDirect(ctx, e.alice, carol)
	require.NoError(t, err)

	// the newest conversation would sort first unless the other is pinned
	e.send(t, e.alice, "bump")
	_, err = e.conversations.Pin(ctx, other.ID, e.alice, true)
	require.NoError(t, err)

	items, err := e.conversations.List(ctx, e.alice, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, other.ID, items[0].Conversation.ID)
	assert.Equal(t, e.convID, items[1].Conversation.ID)
}
