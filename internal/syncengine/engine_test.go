package syncengine

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	"chatsync/internal/outqueue"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func msg(id int64, createdMs int, text string) message.Message {
	return message.Message{
		ID:             id,
		ConversationID: 1,
		SenderID:       uuid.MustParse("00000000-0000-0000-0000-0000000000b0"),
		Content:        text,
		Type:           message.TypeText,
		Reactions:      map[uuid.UUID]string{},
		CreatedAt:      at(createdMs),
		UpdatedAt:      at(createdMs),
	}
}

type nopPending struct{}

func (nopPending) Pending(int64) []outqueue.PendingMessage { return nil }
func (nopPending) Ack(context.Context, uuid.UUID)          {}

type staticFetcher struct{}

func (staticFetcher) ListMessages(context.Context, int64, int, int) ([]message.Message, error) {
	return nil, nil
}

func (staticFetcher) MessagesSince(context.Context, int64, time.Time, int64, int) ([]message.Message, bool, error) {
	return nil, false, nil
}

func openEngine(t *testing.T, self uuid.UUID) *Engine {
	t.Helper()
	e := New(staticFetcher{}, nopPending{}, Options{SelfID: self})
	require.NoError(t, e.Open(context.Background(), 1))
	return e
}

func envelope(t *testing.T, eventType string, messageID int64, actor uuid.UUID, occurred time.Time, payload any) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(eventType, 1, messageID, actor, occurred, payload)
	require.NoError(t, err)
	return env
}

func timelineContents(e *Engine, conversationID int64) []string {
	var out []string
	for item := range e.Timeline(conversationID) {
		out = append(out, item.Message.Content)
	}
	return out
}

func TestSeenSet_EvictsOldestFirst(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Add("a"), "a was evicted and is new again")
	assert.False(t, s.Add("c"))
}

func TestEngine_TimelineOrderedByCreatedAtThenID(t *testing.T) {
	e := openEngine(t, uuid.New())

	require.NoError(t, e.IngestFetchPage(1, []message.Message{
		msg(5, 30, "e"),
		msg(2, 10, "b"),
		msg(3, 10, "c"),
	}))
	require.NoError(t, e.IngestFetchPage(1, []message.Message{
		msg(1, 5, "a"),
		msg(4, 20, "d"),
	}))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, timelineContents(e, 1))
}

func TestEngine_TimelineIsRestartableAndStopsEarly(t *testing.T) {
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 1, "a"), msg(2, 2, "b"), msg(3, 3, "c")}))

	seq := e.Timeline(1)
	var first []string
	for item := range seq {
		first = append(first, item.Message.Content)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, first)

	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(4, 4, "d")}))
	var second []string
	for item := range seq {
		second = append(second, item.Message.Content)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, second)
}

func TestEngine_DuplicatePushAndFetchYieldOneMessage(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())
	changes, cancel := e.Subscribe()
	defer cancel()

	m := msg(10, 100, "hello")
	env := envelope(t, events.EventReceiveMessage, m.ID, bob, m.CreatedAt, events.ReceiveMessagePayload{Message: m})
	require.NoError(t, e.IngestPushEvent(env))
	require.NoError(t, e.IngestPushEvent(env))
	require.NoError(t, e.IngestFetchPage(1, []message.Message{m}))

	assert.Equal(t, []string{"hello"}, timelineContents(e, 1))
	assert.Len(t, changes, 1, "only the first copy changes anything")
}

func TestEngine_EventForClosedConversationIsMalformed(t *testing.T) {
	e := openEngine(t, uuid.New())
	m := msg(1, 1, "x")
	m.ConversationID = 2
	env, err := events.NewEnvelope(events.EventReceiveMessage, 2, 1, uuid.New(), m.CreatedAt, events.ReceiveMessagePayload{Message: m})
	require.NoError(t, err)

	assert.ErrorIs(t, e.IngestPushEvent(env), chat_errors.ErrMalformedEvent)
	assert.ErrorIs(t, e.IngestPushEvent(events.Envelope{EventType: "bogus", ConversationID: 1}), chat_errors.ErrMalformedEvent)
}

func TestEngine_ReactionsConvergeUnderReordering(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "pic")}))

	heart := envelope(t, events.EventReactionUpdated, 1, bob, at(10), events.ReactionPayload{UserID: bob, Reaction: "❤️", ReactedAt: at(10), UpdatedAt: at(10)})
	laugh := envelope(t, events.EventReactionUpdated, 1, bob, at(20), events.ReactionPayload{UserID: bob, Reaction: "😂", ReactedAt: at(20), UpdatedAt: at(20)})

	require.NoError(t, e.IngestPushEvent(laugh))
	require.NoError(t, e.IngestPushEvent(heart))

	got, ok := e.Message(1, 1)
	require.True(t, ok)
	assert.Equal(t, "😂", got.Reactions[bob])

	// A fetch snapshot taken between the two reactions loses as well.
	stale := msg(1, 0, "pic")
	stale.Reactions = map[uuid.UUID]string{bob: "❤️"}
	stale.UpdatedAt = at(10)
	require.NoError(t, e.IngestFetchPage(1, []message.Message{stale}))

	got, _ = e.Message(1, 1)
	assert.Equal(t, "😂", got.Reactions[bob])
}

func TestEngine_ReactionBeforeMessageIsKept(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())

	react := envelope(t, events.EventReactionUpdated, 7, bob, at(50), events.ReactionPayload{UserID: bob, Reaction: "👍", ReactedAt: at(50), UpdatedAt: at(50)})
	require.NoError(t, e.IngestPushEvent(react))
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(7, 40, "late")}))

	got, ok := e.Message(1, 7)
	require.True(t, ok)
	assert.Equal(t, "👍", got.Reactions[bob])
}

func TestEngine_FetchMergeIsFieldwiseLastWriterWins(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "v1")}))

	edited := msg(1, 0, "v2")
	edited.UpdatedAt = at(30)
	require.NoError(t, e.IngestPushEvent(envelope(t, events.EventMessageEdited, 1, bob, at(30), events.EditedPayload{Message: edited})))

	older := msg(1, 0, "v1")
	older.UpdatedAt = at(20)
	older.Reactions = map[uuid.UUID]string{bob: "🔥"}
	require.NoError(t, e.IngestFetchPage(1, []message.Message{older}))

	got, _ := e.Message(1, 1)
	assert.Equal(t, "v2", got.Content, "older snapshot does not roll content back")
	assert.Equal(t, "🔥", got.Reactions[bob], "reaction carried by a snapshot newer than any reaction for bob")
	assert.True(t, at(30).Equal(got.UpdatedAt))
}

func TestEngine_TombstoneIsSticky(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "secret")}))

	dead := msg(1, 0, "secret")
	dead.Tombstone(at(40))
	require.NoError(t, e.IngestPushEvent(envelope(t, events.EventMessageDeleted, 1, bob, at(40), events.DeletedPayload{
		UserID: bob, ForEveryone: true, DeletedAt: at(40), Message: &dead,
	})))

	resurrect := msg(1, 0, "secret")
	resurrect.UpdatedAt = at(60)
	require.NoError(t, e.IngestFetchPage(1, []message.Message{resurrect}))

	got, ok := e.Message(1, 1)
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)
	assert.Equal(t, []string{""}, timelineContents(e, 1), "tombstone keeps its place")
}

func TestEngine_DeleteForMeHidesOnlyOwnDeletions(t *testing.T) {
	self, bob := uuid.New(), uuid.New()
	e := openEngine(t, self)
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "a"), msg(2, 1, "b")}))

	require.NoError(t, e.IngestPushEvent(envelope(t, events.EventMessageDeleted, 1, self, at(5), events.DeletedPayload{UserID: self, DeletedAt: at(5)})))
	require.NoError(t, e.IngestPushEvent(envelope(t, events.EventMessageDeleted, 2, bob, at(6), events.DeletedPayload{UserID: bob, DeletedAt: at(6)})))

	assert.Equal(t, []string{"b"}, timelineContents(e, 1))
	_, ok := e.Message(1, 1)
	assert.False(t, ok)
}

func TestEngine_TypingUsersExpireAfterTTL(t *testing.T) {
	self, bob, carol := uuid.New(), uuid.New(), uuid.New()
	now := base
	e := New(staticFetcher{}, nopPending{}, Options{SelfID: self, TypingTTL: 5 * time.Second, Clock: func() time.Time { return now }})
	require.NoError(t, e.Open(context.Background(), 1))

	for _, u := range []uuid.UUID{self, bob, carol} {
		require.NoError(t, e.IngestPushEvent(envelope(t, events.EventTyping, 0, u, now, events.TypingPayload{UserID: u, IsTyping: true, UpdatedAt: now})))
	}
	assert.ElementsMatch(t, []uuid.UUID{bob, carol}, e.TypingUsers(1))

	stop := now.Add(time.Second)
	require.NoError(t, e.IngestPushEvent(envelope(t, events.EventTyping, 0, carol, stop, events.TypingPayload{UserID: carol, IsTyping: false, UpdatedAt: stop})))
	assert.Equal(t, []uuid.UUID{bob}, e.TypingUsers(1))

	now = now.Add(5 * time.Second)
	assert.Empty(t, e.TypingUsers(1))
}

func TestEngine_ConversationLevelEventsUpdateSummaries(t *testing.T) {
	self, bob := uuid.New(), uuid.New()
	e := New(staticFetcher{}, nopPending{}, Options{SelfID: self})

	e.SetConversations(nil)
	m := msg(3, 10, "ping")
	notify := envelope(t, events.EventNotification, 3, bob, m.CreatedAt, events.NotificationPayload{LastMessage: m, UnreadCount: 4})
	require.NoError(t, e.IngestPushEvent(notify), "unknown summary is not an error")
	assert.Empty(t, e.Conversations())
}

func TestEngine_HideForMe(t *testing.T) {
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "a"), msg(2, 1, "b")}))

	id, ok := e.ConversationOf(2)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	_, ok = e.ConversationOf(99)
	assert.False(t, ok)

	assert.True(t, e.HideForMe(1, 2))
	assert.False(t, e.HideForMe(1, 2), "already hidden")
	assert.Equal(t, []string{"a"}, timelineContents(e, 1))
}

func TestEngine_DeletedForMeMarkerHidesWithoutMerging(t *testing.T) {
	e := openEngine(t, uuid.New())
	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(1, 0, "a"), msg(2, 1, "b")}))

	marker := msg(2, 1, "b")
	marker.HideForViewer(at(50))
	require.NoError(t, e.IngestFetchPage(1, []message.Message{marker}))

	assert.Equal(t, []string{"a"}, timelineContents(e, 1))
}

func TestEngine_EarlyReactionsAreBounded(t *testing.T) {
	bob := uuid.New()
	e := openEngine(t, uuid.New())

	for id := int64(1); id <= maxOrphans+1; id++ {
		react := envelope(t, events.EventReactionUpdated, id, bob, at(int(id)), events.ReactionPayload{UserID: bob, Reaction: "👍", ReactedAt: at(int(id)), UpdatedAt: at(int(id))})
		require.NoError(t, e.IngestPushEvent(react))
	}
	later := envelope(t, events.EventReactionUpdated, 2, bob, at(1000), events.ReactionPayload{UserID: bob, Reaction: "🔥", ReactedAt: at(1000), UpdatedAt: at(1000)})
	require.NoError(t, e.IngestPushEvent(later))

	s, ok := e.state(1)
	require.True(t, ok)
	s.mu.Lock()
	assert.Len(t, s.orphans, maxOrphans)
	assert.NotContains(t, s.orphans, int64(1), "oldest forgotten first")
	assert.Len(t, s.orphans[2], 1, "newest reaction per user")
	s.mu.Unlock()

	require.NoError(t, e.IngestFetchPage(1, []message.Message{msg(2, 0, "late")}))
	got, _ := e.Message(1, 2)
	assert.Equal(t, "🔥", got.Reactions[bob])

	s.mu.Lock()
	assert.NotContains(t, s.orphans, int64(2))
	assert.NotContains(t, s.orphanIDs, int64(2))
	s.mu.Unlock()
}

func TestEngine_RejectedEventIsNotRemembered(t *testing.T) {
	e := New(staticFetcher{}, nopPending{}, Options{SelfID: uuid.New()})
	m := msg(1, 1, "early")
	env := envelope(t, events.EventReceiveMessage, m.ID, uuid.New(), m.CreatedAt, events.ReceiveMessagePayload{Message: m})

	assert.ErrorIs(t, e.IngestPushEvent(env), chat_errors.ErrMalformedEvent)
	assert.Equal(t, 0, e.seen.Len())

	require.NoError(t, e.Open(context.Background(), 1))
	require.NoError(t, e.IngestPushEvent(env))
	assert.Equal(t, []string{"early"}, timelineContents(e, 1))
	assert.Equal(t, 1, e.seen.Len())
}
