package chatclient_test

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/apiclient"
	"chatsync/internal/chatclient"
	"chatsync/internal/events"
	"chatsync/internal/outqueue"
	"chatsync/internal/services"
	"chatsync/internal/syncengine"
	"chatsync/internal/testserver"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = outqueue.Backoff{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 10}

type fixture struct {
	srv    *testserver.Server
	alice  uuid.UUID
	bob    uuid.UUID
	convID int64
	api    *apiclient.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{srv: testserver.Start(t), alice: uuid.New(), bob: uuid.New()}
	conv, _, err := f.srv.Conversations.CreateDirect(context.Background(), f.alice, f.bob)
	require.NoError(t, err)
	f.convID = conv.ID
	f.api = apiclient.New(f.srv.APIURL(), apiclient.Options{Token: f.srv.Token(t, f.alice)})
	return f
}

func (f *fixture) newClient(t *testing.T, stream chatclient.EventStream) *chatclient.Client {
	t.Helper()
	c := chatclient.New(f.api, stream, outqueue.NewMemoryStore(), chatclient.Options{
		SelfID:       f.alice,
		TypingWindow: 10 * time.Millisecond,
		QueueBackoff: fast,
		Reconnect:    fast,
		Resync:       syncengine.RetryPolicy{Base: time.Millisecond, Factor: 2, MaxAttempts: 3},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func run(t *testing.T, c *chatclient.Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func (f *fixture) bobSays(t *testing.T, text string) {
	t.Helper()
	_, err := f.srv.Messages.Send(context.Background(), services.SendInput{
		ConversationID: f.convID,
		SenderID:       f.bob,
		IdempotencyKey: uuid.NewString(),
		Content:        text,
	})
	require.NoError(t, err)
}

func serverContents(t *testing.T, f *fixture) []string {
	t.Helper()
	msgs, err := f.srv.Messages.List(context.Background(), f.convID, f.alice, 1, 100)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i].Content)
	}
	return out
}

func timeline(c *chatclient.Client, conversationID int64) []syncengine.Item {
	var out []syncengine.Item
	for item := range c.Engine().Timeline(conversationID) {
		out = append(out, item)
	}
	return out
}

func TestClient_OfflineSendDeliversOnReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := chatclient.NewMemoryStream()
	stream.Drop(true)

	c := f.newClient(t, stream)
	require.NoError(t, c.Open(ctx, f.convID))
	run(t, c)

	p, err := c.Send(ctx, f.convID, "hi")
	require.NoError(t, err)

	items := timeline(c, f.convID)
	require.Len(t, items, 1)
	assert.Equal(t, syncengine.ItemPending, items[0].State)
	assert.False(t, c.Connected())
	assert.Empty(t, serverContents(t, f))

	stream.Up()
	require.Eventually(t, func() bool { return c.Queue().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
	assert.Equal(t, []string{"hi"}, serverContents(t, f))

	items = timeline(c, f.convID)
	require.Len(t, items, 1)
	assert.Equal(t, syncengine.ItemDelivered, items[0].State)
	assert.NotZero(t, items[0].Message.ID)

	_, pending := c.Queue().Get(p.ClientTempID)
	assert.False(t, pending)
}

func TestClient_ReconnectBackfillsMissedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := chatclient.NewMemoryStream()

	c := f.newClient(t, stream)
	require.NoError(t, c.Open(ctx, f.convID))
	run(t, c)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)

	stream.Drop(true)
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)
	assert.False(t, c.Queue().Online())

	f.bobSays(t, "while you were away")
	f.bobSays(t, "still away")

	stream.Up()
	require.Eventually(t, func() bool { return stream.Connections() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Engine().Messages(f.convID)) == 2 }, 2*time.Second, 5*time.Millisecond)

	var got []string
	for _, m := range c.Engine().Messages(f.convID) {
		got = append(got, m.Content)
	}
	assert.Equal(t, serverContents(t, f), got)
}

func TestClient_DeleteForMeHidesWithoutPush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bobSays(t, "keep")
	f.bobSays(t, "hide-me")

	stream := chatclient.NewMemoryStream()
	stream.Drop(true)
	c := f.newClient(t, stream)
	require.NoError(t, c.Open(ctx, f.convID))

	msgs := c.Engine().Messages(f.convID)
	require.Len(t, msgs, 2)
	require.NoError(t, c.Delete(ctx, msgs[1].ID, false))

	var got []string
	for _, m := range c.Engine().Messages(f.convID) {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"keep"}, got)
	assert.Equal(t, serverContents(t, f), got)
}

func TestClient_PushedEventsReachEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stream := chatclient.NewMemoryStream()

	c := f.newClient(t, stream)
	require.NoError(t, c.Open(ctx, f.convID))
	run(t, c)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)

	now := time.Now().UTC()
	env, err := events.NewEnvelope(events.EventTyping, f.convID, 0, f.bob, now, events.TypingPayload{UserID: f.bob, IsTyping: true, UpdatedAt: now})
	require.NoError(t, err)
	require.True(t, stream.Push(env))

	require.Eventually(t, func() bool {
		return len(c.Engine().TypingUsers(f.convID)) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, f.bob, c.Engine().TypingUsers(f.convID)[0])
}

type rejectingStream struct{}

func (rejectingStream) Connect(context.Context) (<-chan events.Envelope, error) {
	return nil, chat_errors.ErrUnauthorized
}

func TestClient_RunStopsOnRejectedToken(t *testing.T) {
	f := newFixture(t)
	c := f.newClient(t, rejectingStream{})

	_, done := run(t, c)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, chat_errors.ErrUnauthorized)
	case <-time.After(time.Second):
		t.Fatal("Run kept retrying a rejected token")
	}
}

func TestClient_RunReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	c := f.newClient(t, chatclient.NewMemoryStream())

	cancel, done := run(t, c)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.Connected())
}

func TestClient_EndToEndOverWebsocket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.newClient(t, f.api.NewStream(f.srv.WebsocketURL()))
	require.NoError(t, c.Open(ctx, f.convID))
	run(t, c)
	f.srv.WaitForClients(t, 1)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)

	f.bobSays(t, "over the wire")
	require.Eventually(t, func() bool { return len(c.Engine().Messages(f.convID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	m := c.Engine().Messages(f.convID)[0]
	assert.Equal(t, "over the wire", m.Content)

	reacted, err := c.React(ctx, m.ID, "😂")
	require.NoError(t, err)
	got, ok := c.Engine().Message(f.convID, m.ID)
	require.True(t, ok)
	assert.Equal(t, "😂", got.Reactions[f.alice])
	assert.Equal(t, reacted.Reactions, got.Reactions)

	read, err := c.MarkAllRead(ctx, f.convID)
	require.NoError(t, err)
	assert.Equal(t, 1, read.Inserted)
	require.Eventually(t, func() bool {
		for _, u := range c.Engine().ReadBy(f.convID, m.ID) {
			if u == f.alice {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c.SetTyping(f.convID, true)
	require.Eventually(t, func() bool {
		typing, err := f.srv.Typing.Typing(ctx, f.convID, f.bob)
		return err == nil && len(typing) == 1 && typing[0].UserID == f.alice
	}, 2*time.Second, 5*time.Millisecond)
}
