package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/events"
	"chatsync/internal/repository"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames map[string][]events.Envelope
	fail   error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	env, err := events.ParseEnvelope(payload)
	if err != nil {
		return err
	}
	if p.frames == nil {
		p.frames = make(map[string][]events.Envelope)
	}
	p.frames[channel] = append(p.frames[channel], env)
	return nil
}

// received returns the event types userID was sent, in order.
func (p *recordingPublisher) received(userID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, env := range p.frames[events.UserChannel(userID)] {
		out = append(out, env.EventType)
	}
	return out
}

func (p *recordingPublisher) last(userID uuid.UUID, eventType string) (events.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.frames[events.UserChannel(userID)]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].EventType == eventType {
			return frames[i], true
		}
	}
	return events.Envelope{}, false
}

type testEnv struct {
	store         *repository.MemoryStore
	outbox        repository.OutboxRepository
	pub           *recordingPublisher
	clock         *manualClock
	messages      *MessageService
	receipts      *ReceiptService
	typing        *TypingService
	conversations *ConversationService

	alice  uuid.UUID
	bob    uuid.UUID
	convID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		store:  repository.NewMemoryStore(),
		outbox: repository.NewMemoryOutboxRepository(),
		pub:    &recordingPublisher{},
		clock:  newManualClock(),
		alice:  uuid.New(),
		bob:    uuid.New(),
	}
	b := NewBroadcaster(e.pub, e.outbox, nil, logger.NewNop())
	e.messages = NewMessageService(e.store, b, nil, MessageServiceOptions{DeleteWindow: time.Hour, Clock: e.clock.Now})
	e.receipts = NewReceiptService(e.store, b, nil, e.clock.Now)
	e.typing = NewTypingService(e.store, b, 5*time.Second, e.clock.Now)
	e.conversations = NewConversationService(e.store, b, e.clock.Now)

	conv, created, err := e.conversations.CreateDirect(context.Background(), e.alice, e.bob)
	require.NoError(t, err)
	require.True(t, created)
	e.convID = conv.ID
	return e
}

func (e *testEnv) send(t *testing.T, from uuid.UUID, text string) SendResult {
	t.Helper()
	e.clock.Advance(time.Millisecond)
	res, err := e.messages.Send(context.Background(), SendInput{
		ConversationID: e.convID,
		SenderID:       from,
		IdempotencyKey: uuid.NewString(),
		Content:        text,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) unread(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	items, err := e.store.ListSummaries(context.Background(), userID, true)
	require.NoError(t, err)
	for _, s := range items {
		if s.Conversation.ID == e.convID {
			return s.UnreadCount
		}
	}
	t.Fatalf("conversation %d not listed for %s", e.convID, userID)
	return 0
}

var errPublish = errors.New("publish refused")
