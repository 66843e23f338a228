package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	"chatsync/internal/outqueue"
	"chatsync/internal/syncengine"
	"chatsync/internal/transport/httpdto"
	"chatsync/internal/typing"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
)

// EventStream is the push channel. Connect returns a channel of envelopes
// that is closed when the connection drops.
type EventStream interface {
	Connect(ctx context.Context) (<-chan events.Envelope, error)
}

// API is the REST surface the client stack needs.
type API interface {
	syncengine.Fetcher
	outqueue.Sender
	typing.Sender

	ListConversations(ctx context.Context, includeHidden bool) ([]conversation.Summary, error)
	MarkRead(ctx context.Context, conversationID int64, messageIDs []int64) (httpdto.ReadResponse, error)
	MarkAllRead(ctx context.Context, conversationID int64) (httpdto.ReadResponse, error)
	React(ctx context.Context, messageID int64, reaction string) (message.Message, error)
	Edit(ctx context.Context, messageID int64, content string) (message.Message, error)
	Delete(ctx context.Context, messageID int64, forEveryone bool) error
}

type Options struct {
	SelfID       uuid.UUID
	PageLimit    int
	SeenWindow   int
	TypingWindow time.Duration
	QueueBackoff outqueue.Backoff
	Reconnect    outqueue.Backoff
	Resync       syncengine.RetryPolicy
	Logger       *logger.Logger
}

func defaultReconnect() outqueue.Backoff {
	return outqueue.Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}
}

// Client ties the offline queue, the sync engine and the typing
// coordinator to one API and one push stream.
type Client struct {
	api       API
	stream    EventStream
	queue     *outqueue.Queue
	engine    *syncengine.Engine
	typing    *typing.Coordinator
	reconnect outqueue.Backoff
	logger    *logger.Logger

	mu        sync.RWMutex
	connected bool
}

func New(api API, stream EventStream, store outqueue.Store, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Reconnect == (outqueue.Backoff{}) {
		opts.Reconnect = defaultReconnect()
	}

	queue := outqueue.New(store, api, outqueue.Options{
		Backoff: opts.QueueBackoff,
		Logger:  opts.Logger.Named("outqueue"),
	})
	engine := syncengine.New(api, queue, syncengine.Options{
		SelfID:     opts.SelfID,
		PageLimit:  opts.PageLimit,
		SeenWindow: opts.SeenWindow,
		Resync:     opts.Resync,
		Logger:     opts.Logger.Named("sync"),
	})
	queue.SetAckFunc(engine.ReconcilePending)
	queue.SetChangeFunc(engine.PendingChanged)

	return &Client{
		api:       api,
		stream:    stream,
		queue:     queue,
		engine:    engine,
		typing:    typing.New(api, opts.TypingWindow, opts.Logger.Named("typing")),
		reconnect: opts.Reconnect,
		logger:    opts.Logger,
	}
}

func (c *Client) Engine() *syncengine.Engine { return c.engine }

func (c *Client) Queue() *outqueue.Queue { return c.queue }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Restore reloads messages left in the durable queue by a previous run.
func (c *Client) Restore(ctx context.Context) error {
	return c.queue.Restore(ctx)
}

// Run keeps the push stream connected until ctx is done. Each connection
// flushes the queue and backfills open conversations; each drop takes the
// queue offline. A rejected token ends Run with ErrUnauthorized.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		envs, err := c.stream.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, chat_errors.ErrUnauthorized) {
				return err
			}
			failures++
			c.logger.Warnf("connect failed (attempt %d): %v", failures, err)
			if !c.wait(ctx, c.reconnect.Delay(failures)) {
				return nil
			}
			continue
		}
		failures = 0

		c.onConnect(ctx)
		c.consume(envs)
		c.onDisconnect()

		if ctx.Err() != nil {
			return nil
		}
		if !c.wait(ctx, c.reconnect.Delay(1)) {
			return nil
		}
	}
}

func (c *Client) onConnect(ctx context.Context) {
	c.setConnected(true)
	c.logger.Infof("connected")
	c.queue.Flush(ctx)

	go func() {
		if err := c.RefreshConversations(ctx); err != nil {
			c.logger.Warnf("refresh conversations: %v", err)
		}
		if err := c.engine.Resync(ctx); err != nil {
			c.logger.Warnf("resync: %v", err)
		}
	}()
}

func (c *Client) consume(envs <-chan events.Envelope) {
	for env := range envs {
		if err := c.engine.IngestPushEvent(env); err != nil {
			c.logger.Debugf("event %s dropped: %v", env.EventType, err)
		}
	}
}

func (c *Client) onDisconnect() {
	c.queue.Offline()
	c.setConnected(false)
	c.logger.Infof("disconnected")
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RefreshConversations replaces the cached conversation list.
func (c *Client) RefreshConversations(ctx context.Context) error {
	items, err := c.api.ListConversations(ctx, false)
	if err != nil {
		return err
	}
	c.engine.SetConversations(items)
	return nil
}

func (c *Client) Open(ctx context.Context, conversationID int64) error {
	return c.engine.Open(ctx, conversationID)
}

// Send queues a text message. It never blocks on the network.
func (c *Client) Send(ctx context.Context, conversationID int64, text string) (outqueue.PendingMessage, error) {
	return c.queue.Enqueue(ctx, outqueue.Draft{ConversationID: conversationID, Content: text, Type: message.TypeText})
}

func (c *Client) SendDraft(ctx context.Context, d outqueue.Draft) (outqueue.PendingMessage, error) {
	return c.queue.Enqueue(ctx, d)
}

func (c *Client) SetTyping(conversationID int64, isTyping bool) {
	c.typing.SetTyping(conversationID, isTyping)
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64, messageIDs []int64) (httpdto.ReadResponse, error) {
	return c.api.MarkRead(ctx, conversationID, messageIDs)
}

func (c *Client) MarkAllRead(ctx context.Context, conversationID int64) (httpdto.ReadResponse, error) {
	return c.api.MarkAllRead(ctx, conversationID)
}

func (c *Client) React(ctx context.Context, messageID int64, reaction string) (message.Message, error) {
	m, err := c.api.React(ctx, messageID, reaction)
	if err != nil {
		return m, err
	}
	c.mergeOwn(m)
	return m, nil
}

func (c *Client) Edit(ctx context.Context, messageID int64, content string) (message.Message, error) {
	m, err := c.api.Edit(ctx, messageID, content)
	if err != nil {
		return m, err
	}
	c.mergeOwn(m)
	return m, nil
}

// Delete removes a message for the caller or, within the server's window,
// for everyone. A delete for me is hidden locally at once; a delete for
// everyone follows from the pushed messageDeleted event or the next backfill.
func (c *Client) Delete(ctx context.Context, messageID int64, forEveryone bool) error {
	if err := c.api.Delete(ctx, messageID, forEveryone); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	if !forEveryone {
		if id, ok := c.engine.ConversationOf(messageID); ok {
			c.engine.HideForMe(id, messageID)
		}
	}
	return nil
}

func (c *Client) mergeOwn(m message.Message) {
	if !c.engine.IsOpen(m.ConversationID) {
		return
	}
	if err := c.engine.MergeMessage(m); err != nil {
		c.logger.Debugf("merge message %d: %v", m.ID, err)
	}
}

// Close stops typing and queue work. Persisted entries survive.
func (c *Client) Close() error {
	c.typing.Stop()
	return c.queue.Close()
}
