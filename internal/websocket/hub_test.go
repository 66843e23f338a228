package websocket

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/events"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil, NewEventLogger(logger.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case msg := <-c.Send:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("nothing delivered")
		return ""
	}
}

func TestHub_DeliversToEveryClientOfAUser(t *testing.T) {
	h := runHub(t)
	alice, bob := uuid.New(), uuid.New()
	phone, laptop, other := NewClient(nil, alice), NewClient(nil, alice), NewClient(nil, bob)
	for _, c := range []*Client{phone, laptop, other} {
		h.Register(c)
	}
	require.Eventually(t, func() bool { return h.GetClientCount() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.GetChannelSubscriberCount(events.UserChannel(alice)))

	require.NoError(t, NewLocalPublisher(h).Publish(context.Background(), events.UserChannel(alice), []byte("hi")))
	assert.Equal(t, "hi", receive(t, phone))
	assert.Equal(t, "hi", receive(t, laptop))
	assert.Empty(t, other.Send)
}

func TestHub_UnregisterClosesSendAndCleansChannels(t *testing.T) {
	h := runHub(t)
	alice := uuid.New()
	c := NewClient(nil, alice)
	h.Register(c)
	h.Subscribe(c, "extra")
	require.Eventually(t, func() bool {
		return h.GetClientCount() == 1 && h.GetChannelSubscriberCount("extra") == 1
	}, time.Second, time.Millisecond)

	h.Unsubscribe(c, "extra")
	require.Eventually(t, func() bool { return h.GetChannelSubscriberCount("extra") == 0 }, time.Second, time.Millisecond)
	assert.False(t, c.IsSubscribed("extra"))

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.GetClientCount() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, h.GetChannelSubscriberCount(events.UserChannel(alice)))
	_, open := <-c.Send
	assert.False(t, open)

	// A second unregister is a no-op.
	h.Unregister(c)
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := runHub(t)
	c := NewClient(nil, uuid.New())
	h.Register(c)
	require.Eventually(t, func() bool { return h.GetClientCount() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < sendBuffer+10; i++ {
		h.Broadcast(events.UserChannel(c.UserID), []byte("x"))
	}
	assert.Len(t, c.Send, sendBuffer)
}

type fakeSubscriber struct {
	frames map[string]string
}

func (f fakeSubscriber) Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error {
	for ch, payload := range f.frames {
		handler(ch, []byte(payload))
	}
	return nil
}

func TestRedisBridge_ForwardsUserChannelsOnly(t *testing.T) {
	h := runHub(t)
	alice := uuid.New()
	c := NewClient(nil, alice)
	h.Register(c)
	h.Subscribe(c, "channel:room:1")
	require.Eventually(t, func() bool {
		return h.GetClientCount() == 1 && h.GetChannelSubscriberCount("channel:room:1") == 1
	}, time.Second, time.Millisecond)

	bridge := NewRedisBridge(fakeSubscriber{frames: map[string]string{
		events.UserChannel(alice): "mine",
		"channel:room:1":          "room",
	}}, h)
	require.NoError(t, bridge.Run(context.Background()))

	assert.Equal(t, "mine", receive(t, c))
	assert.Empty(t, c.Send)
}
