package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []update
}

func (r *recordingSender) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, update{conversationID: conversationID, isTyping: isTyping})
	return nil
}

func (r *recordingSender) snapshot() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.sends...)
}

func TestCoordinator_CoalescesTrueWithinWindow(t *testing.T) {
	rec := &recordingSender{}
	c := New(rec, 30*time.Millisecond, nil)
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.SetTyping(1, true)
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []update{{conversationID: 1, isTyping: true}}, rec.snapshot())

	c.SetTyping(1, true)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestCoordinator_FalseIsImmediateAndCancelsPendingTrue(t *testing.T) {
	rec := &recordingSender{}
	c := New(rec, time.Hour, nil)
	defer c.Stop()

	c.SetTyping(1, true)
	c.SetTyping(1, false)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []update{{conversationID: 1, isTyping: false}}, rec.snapshot())
}

func TestCoordinator_ConversationsAreIndependent(t *testing.T) {
	rec := &recordingSender{}
	c := New(rec, 20*time.Millisecond, nil)
	defer c.Stop()

	c.SetTyping(1, true)
	c.SetTyping(2, true)
	c.SetTyping(2, false)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []update{{conversationID: 1, isTyping: true}, {conversationID: 2, isTyping: false}}, rec.snapshot())
}

func TestCoordinator_StopDropsWaitingIndicators(t *testing.T) {
	rec := &recordingSender{}
	c := New(rec, 20*time.Millisecond, nil)
	c.SetTyping(1, true)
	c.Stop()
	c.Stop()
	c.SetTyping(1, false)

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

// blockingSender holds every send until its context ends.
type blockingSender struct {
	started chan struct{}
}

func (b *blockingSender) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestCoordinator_StopCancelsInFlightSend(t *testing.T) {
	b := &blockingSender{started: make(chan struct{})}
	c := New(b, time.Hour, nil)
	c.SetTyping(1, false)
	<-b.started

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the in-flight send")
	}
}
