package typing

import (
	"context"
	"sync"
	"time"

	"chatsync/pkg/logger"
)

const DefaultWindow = 300 * time.Millisecond

// Sender delivers a typing state to the server.
type Sender interface {
	SendTyping(ctx context.Context, conversationID int64, isTyping bool) error
}

type update struct {
	conversationID int64
	isTyping       bool
}

// Coordinator rate limits outgoing typing indicators. Calls with true are
// coalesced into one send per window; false goes out at once and cancels a
// true that is still waiting. Sends leave in call order.
type Coordinator struct {
	sender Sender
	window time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	pending map[int64]*time.Timer
	stopped bool

	out    chan update
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(sender Sender, window time.Duration, l *logger.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sender:  sender,
		window:  window,
		logger:  l,
		pending: make(map[int64]*time.Timer),
		out:     make(chan update, 32),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Coordinator) SetTyping(conversationID int64, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	if !isTyping {
		if t, ok := c.pending[conversationID]; ok {
			t.Stop()
			delete(c.pending, conversationID)
		}
		c.enqueueLocked(update{conversationID: conversationID})
		return
	}

	if _, ok := c.pending[conversationID]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// a false may have replaced this timer in the meantime
		if c.pending[conversationID] != t || c.stopped {
			return
		}
		delete(c.pending, conversationID)
		c.enqueueLocked(update{conversationID: conversationID, isTyping: true})
	})
	c.pending[conversationID] = t
}

func (c *Coordinator) enqueueLocked(u update) {
	select {
	case c.out <- u:
	default:
		c.logger.Warnf("typing update for conversation %d dropped", u.conversationID)
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for u := range c.out {
		if err := c.sender.SendTyping(c.ctx, u.conversationID, u.isTyping); err != nil {
			c.logger.Debugf("send typing for conversation %d: %v", u.conversationID, err)
		}
	}
}

// Stop drops waiting indicators, cancels an in-flight send and waits for the
// sender loop to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
	close(c.out)
	c.mu.Unlock()

	c.cancel()
	<-c.done
}
