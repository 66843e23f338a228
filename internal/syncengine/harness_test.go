package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	"chatsync/internal/outqueue"
	"chatsync/internal/repository"
	"chatsync/internal/services"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// tickClock advances a millisecond on every reading so server timestamps
// are distinct and ordered.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// capturePublisher records every frame per channel instead of delivering it.
type capturePublisher struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames == nil {
		p.frames = make(map[string][][]byte)
	}
	p.frames[channel] = append(p.frames[channel], payload)
	return nil
}

// take returns and forgets the frames queued for userID.
func (p *capturePublisher) take(t *testing.T, userID uuid.UUID) []events.Envelope {
	t.Helper()
	p.mu.Lock()
	frames := p.frames[events.UserChannel(userID)]
	delete(p.frames, events.UserChannel(userID))
	p.mu.Unlock()

	out := make([]events.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := events.ParseEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// serverFetcher is the pull channel backed directly by the message service.
type serverFetcher struct {
	svc    *services.MessageService
	viewer uuid.UUID

	mu    sync.Mutex
	fail  error
	calls int
}

func (f *serverFetcher) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *serverFetcher) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.fail
}

func (f *serverFetcher) ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]message.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.svc.List(ctx, conversationID, f.viewer, page, limit)
}

func (f *serverFetcher) MessagesSince(ctx context.Context, conversationID int64, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, bool, error) {
	if err := f.check(); err != nil {
		return nil, false, err
	}
	msgs, err := f.svc.Since(ctx, conversationID, f.viewer, updatedAfter, afterID, limit)
	return msgs, len(msgs) == limit, err
}

// serverSender is the queue's REST send backed by the message service.
type serverSender struct {
	svc    *services.MessageService
	sender uuid.UUID

	mu      sync.Mutex
	offline bool
}

func (s *serverSender) setOffline(v bool) {
	s.mu.Lock()
	s.offline = v
	s.mu.Unlock()
}

func (s *serverSender) SendMessage(ctx context.Context, p outqueue.PendingMessage) (message.Message, error) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return message.Message{}, chat_errors.ErrNetworkUnavailable
	}
	res, err := s.svc.Send(ctx, services.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       s.sender,
		IdempotencyKey: p.ClientTempID.String(),
		Content:        p.Content,
		Type:           p.Type,
		FileURL:        p.FileURL,
	})
	return res.Message, err
}

type harness struct {
	store     *repository.MemoryStore
	pub       *capturePublisher
	clock     *tickClock
	messages  *services.MessageService
	receipts  *services.ReceiptService
	typing    *services.TypingService
	alice     uuid.UUID
	bob       uuid.UUID
	convID    int64
	fetcher   *serverFetcher
	sender    *serverSender
	queue     *outqueue.Queue
	engine    *Engine
	engineNow time.Time
}

// newHarness wires a server on the memory store and Alice's client stack.
func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store: repository.NewMemoryStore(),
		pub:   &capturePublisher{},
		clock: newTickClock(),
		alice: uuid.New(),
		bob:   uuid.New(),
	}
	b := services.NewBroadcaster(h.pub, repository.NewMemoryOutboxRepository(), nil, logger.NewNop())
	h.messages = services.NewMessageService(h.store, b, nil, services.MessageServiceOptions{
		DeleteWindow: 24 * time.Hour,
		DefaultLimit: limit,
		MaxLimit:     200,
		Clock:        h.clock.Now,
	})
	h.receipts = services.NewReceiptService(h.store, b, nil, h.clock.Now)
	h.typing = services.NewTypingService(h.store, b, 5*time.Second, h.clock.Now)
	convs := services.NewConversationService(h.store, b, h.clock.Now)

	conv, _, err := convs.CreateDirect(ctx, h.alice, h.bob)
	require.NoError(t, err)
	h.convID = conv.ID

	h.fetcher = &serverFetcher{svc: h.messages, viewer: h.alice}
	h.sender = &serverSender{svc: h.messages, sender: h.alice}
	h.queue = outqueue.New(outqueue.NewMemoryStore(), h.sender, outqueue.Options{
		Backoff: outqueue.Backoff{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 10},
	})
	h.engineNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine = New(h.fetcher, h.queue, Options{
		SelfID:    h.alice,
		PageLimit: limit,
		Resync:    RetryPolicy{Base: time.Millisecond, Factor: 2, MaxAttempts: 5},
		Clock:     func() time.Time { return h.engineNow },
	})
	h.queue.SetAckFunc(h.engine.ReconcilePending)
	h.queue.SetChangeFunc(h.engine.PendingChanged)
	t.Cleanup(func() { _ = h.queue.Close() })
	return h
}

// bobSays sends a message as Bob directly on the server.
func (h *harness) bobSays(t *testing.T, text string) message.Message {
	t.Helper()
	res, err := h.messages.Send(context.Background(), services.SendInput{
		ConversationID: h.convID,
		SenderID:       h.bob,
		IdempotencyKey: uuid.NewString(),
		Content:        text,
	})
	require.NoError(t, err)
	return res.Message
}

// deliver feeds every frame queued for Alice into her engine.
func (h *harness) deliver(t *testing.T) {
	t.Helper()
	for _, env := range h.pub.take(t, h.alice) {
		require.NoError(t, h.engine.IngestPushEvent(env))
	}
}

// serverTimeline is Alice's full server view in timeline order.
func (h *harness) serverTimeline(t *testing.T) []message.Message {
	t.Helper()
	msgs, err := h.messages.List(context.Background(), h.convID, h.alice, 1, 200)
	require.NoError(t, err)
	out := make([]message.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out
}

func contents(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
