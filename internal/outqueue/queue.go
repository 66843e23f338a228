package outqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/domain/message"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender performs the REST send of one pending message.
type Sender interface {
	SendMessage(ctx context.Context, p PendingMessage) (message.Message, error)
}

// AckFunc receives the server copy of a delivered message. It is expected
// to make the message visible and then call Queue.Ack.
type AckFunc func(ctx context.Context, m message.Message, clientTempID uuid.UUID)

type Options struct {
	Backoff Backoff
	Logger  *logger.Logger
	Clock   func() time.Time
}

// Queue holds outgoing messages until the server acknowledges them. Each
// conversation drains in its own goroutine, FIFO by Seq.
type Queue struct {
	store   Store
	sender  Sender
	backoff Backoff
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	entries  map[uuid.UUID]*PendingMessage
	order    map[int64][]uuid.UUID
	nextSeq  uint64
	runCtx   context.Context
	cancel   context.CancelFunc
	gen      uint64
	draining map[int64]uint64
	wake     map[int64]chan struct{}
	onSent   AckFunc
	onChange func(conversationID int64)

	failures chan Failure
	wg       sync.WaitGroup
}

func New(store Store, sender Sender, opts Options) *Queue {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{
		store:    store,
		sender:   sender,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
		now:      opts.Clock,
		entries:  make(map[uuid.UUID]*PendingMessage),
		order:    make(map[int64][]uuid.UUID),
		draining: make(map[int64]uint64),
		wake:     make(map[int64]chan struct{}),
		failures: make(chan Failure, 64),
	}
}

// SetAckFunc installs the acknowledgment path. Without one the queue acks
// delivered entries itself.
func (q *Queue) SetAckFunc(fn AckFunc) {
	q.mu.Lock()
	q.onSent = fn
	q.mu.Unlock()
}

// SetChangeFunc installs a callback run whenever a conversation's pending
// tail changes. It is called without the queue lock held.
func (q *Queue) SetChangeFunc(fn func(conversationID int64)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Failures reports entries that were failed or dropped and drains stopped
// by rejected credentials. Reports are dropped when nobody reads them.
func (q *Queue) Failures() <-chan Failure {
	return q.failures
}

// Restore reloads persisted entries. Entries that were in flight when the
// process stopped go back to queued; the server dedups by idempotency key.
func (q *Queue) Restore(ctx context.Context) error {
	items, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range items {
		p := items[i]
		if p.Status == StatusInflight {
			p.Status = StatusQueued
			if err := q.store.Put(ctx, p); err != nil {
				return fmt.Errorf("restore queue: %w", err)
			}
		}
		if _, ok := q.entries[p.ClientTempID]; ok {
			continue
		}
		q.entries[p.ClientTempID] = &p
		q.order[p.ConversationID] = append(q.order[p.ConversationID], p.ClientTempID)
		if p.Seq > q.nextSeq {
			q.nextSeq = p.Seq
		}
	}
	q.logger.Debugf("restored %d pending messages", len(items))
	return nil
}

// Enqueue stores a new pending message and returns at once. The message is
// dispatched immediately when the queue is online.
func (q *Queue) Enqueue(ctx context.Context, d Draft) (PendingMessage, error) {
	if d.ConversationID <= 0 {
		return PendingMessage{}, fmt.Errorf("%w: conversation id is required", chat_errors.ErrInvalidInput)
	}
	if d.Type == "" {
		d.Type = message.TypeText
	}

	q.mu.Lock()
	p := &PendingMessage{
		ClientTempID:   uuid.New(),
		ConversationID: d.ConversationID,
		Content:        d.Content,
		Type:           d.Type,
		FileURL:        d.FileURL,
		CreatedAt:      q.now(),
		Status:         StatusQueued,
		Seq:            q.nextSeq + 1,
	}
	if err := q.store.Put(ctx, *p); err != nil {
		q.mu.Unlock()
		return PendingMessage{}, fmt.Errorf("enqueue: %w", err)
	}
	q.nextSeq = p.Seq
	q.entries[p.ClientTempID] = p
	q.order[p.ConversationID] = append(q.order[p.ConversationID], p.ClientTempID)
	q.kickLocked(p.ConversationID)
	out := *p
	q.mu.Unlock()

	q.changed(out.ConversationID)
	return out, nil
}

// Flush marks the queue online and starts a drain for every conversation
// with queued work. Drains run until Offline or until ctx is done.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runCtx == nil || q.runCtx.Err() != nil {
		q.runCtx, q.cancel = context.WithCancel(ctx)
		q.gen++
	}
	for conversationID := range q.order {
		q.kickLocked(conversationID)
	}
}

// Offline stops every drain. In-flight sends are abandoned and their
// entries return to queued.
func (q *Queue) Offline() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.runCtx, q.cancel = nil, nil
	q.mu.Unlock()
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runCtx != nil && q.runCtx.Err() == nil
}

// Retry re-queues a failed entry with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	p, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return chat_errors.ErrNotFound
	}
	if p.Status != StatusFailed {
		q.mu.Unlock()
		return fmt.Errorf("%w: message is %s", chat_errors.ErrInvalidInput, p.Status)
	}
	p.Status = StatusQueued
	p.AttemptCount = 0
	p.NextAttemptAt = time.Time{}
	p.LastError = ""
	if err := q.store.Put(ctx, *p); err != nil {
		q.logger.Warnf("persist retry of %s: %v", id, err)
	}
	q.kickLocked(p.ConversationID)
	conversationID := p.ConversationID
	q.mu.Unlock()

	q.changed(conversationID)
	return nil
}

// Cancel removes an entry that has not been dispatched.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	p, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return chat_errors.ErrNotFound
	}
	if p.Status == StatusInflight {
		q.mu.Unlock()
		return chat_errors.ErrAlreadyDispatched
	}
	conversationID := p.ConversationID
	q.removeLocked(ctx, p)
	q.mu.Unlock()

	q.changed(conversationID)
	return nil
}

// Ack removes a delivered entry. Acking an unknown id is a no-op, so the
// HTTP response and the echoed push event may both ack.
func (q *Queue) Ack(ctx context.Context, id uuid.UUID) {
	q.mu.Lock()
	p, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	conversationID := p.ConversationID
	q.removeLocked(ctx, p)
	q.mu.Unlock()

	q.changed(conversationID)
}

// Pending returns the conversation's entries in FIFO order.
func (q *Queue) Pending(conversationID int64) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.order[conversationID]
	out := make([]PendingMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, *q.entries[id])
	}
	return out
}

func (q *Queue) Get(id uuid.UUID) (PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok {
		return PendingMessage{}, false
	}
	return *p, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the drains, waits for them and closes the store.
func (q *Queue) Close() error {
	q.Offline()
	q.wg.Wait()
	return q.store.Close()
}

func (q *Queue) removeLocked(ctx context.Context, p *PendingMessage) {
	delete(q.entries, p.ClientTempID)
	ids := q.order[p.ConversationID]
	for i, id := range ids {
		if id == p.ClientTempID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(q.order, p.ConversationID)
	} else {
		q.order[p.ConversationID] = ids
	}
	if err := q.store.Delete(ctx, *p); err != nil {
		q.logger.Warnf("delete pending %s: %v", p.ClientTempID, err)
	}
	q.signalLocked(p.ConversationID)
}

func (q *Queue) kickLocked(conversationID int64) {
	if q.runCtx == nil || q.runCtx.Err() != nil {
		return
	}
	if _, ok := q.wake[conversationID]; !ok {
		q.wake[conversationID] = make(chan struct{}, 1)
	}
	if gen, ok := q.draining[conversationID]; ok && gen == q.gen {
		q.signalLocked(conversationID)
		return
	}
	q.draining[conversationID] = q.gen
	q.wg.Add(1)
	go q.drain(q.runCtx, conversationID, q.gen)
}

func (q *Queue) stopDrainLocked(conversationID int64, gen uint64) {
	if q.draining[conversationID] == gen {
		delete(q.draining, conversationID)
	}
}

func (q *Queue) signalLocked(conversationID int64) {
	if ch, ok := q.wake[conversationID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// nextLocked returns the first queued entry. busy is set when an earlier
// entry is still in flight, typically from a drain that is shutting down.
func (q *Queue) nextLocked(conversationID int64) (next *PendingMessage, busy bool) {
	for _, id := range q.order[conversationID] {
		switch p := q.entries[id]; p.Status {
		case StatusQueued:
			return p, false
		case StatusInflight:
			return nil, true
		}
	}
	return nil, false
}

func (q *Queue) drain(ctx context.Context, conversationID int64, gen uint64) {
	defer q.wg.Done()
	log := q.logger.With(zap.Int64("conversation_id", conversationID))

	for {
		q.mu.Lock()
		p, busy := q.nextLocked(conversationID)
		if (p == nil && !busy) || ctx.Err() != nil {
			q.stopDrainLocked(conversationID, gen)
			q.mu.Unlock()
			return
		}
		wait := time.Hour
		if p != nil {
			wait = p.NextAttemptAt.Sub(q.now())
		}
		if wait > 0 {
			wake := q.wake[conversationID]
			q.mu.Unlock()
			if !sleep(ctx, wait, wake) {
				q.mu.Lock()
				q.stopDrainLocked(conversationID, gen)
				q.mu.Unlock()
				return
			}
			continue
		}

		p.Status = StatusInflight
		p.AttemptCount++
		if err := q.store.Put(ctx, *p); err != nil {
			log.Warnf("persist inflight %s: %v", p.ClientTempID, err)
		}
		snapshot := *p
		q.mu.Unlock()
		q.changed(conversationID)

		m, err := q.sender.SendMessage(ctx, snapshot)
		if err == nil {
			q.delivered(ctx, m, snapshot.ClientTempID)
			continue
		}

		q.mu.Lock()
		stop := q.settleFailureLocked(ctx, snapshot.ClientTempID, err)
		if stop {
			q.stopDrainLocked(conversationID, gen)
		}
		q.mu.Unlock()
		q.changed(conversationID)
		if stop {
			return
		}
	}
}

func (q *Queue) delivered(ctx context.Context, m message.Message, id uuid.UUID) {
	q.mu.Lock()
	onSent := q.onSent
	q.mu.Unlock()

	if onSent != nil {
		onSent(ctx, m, id)
	}
	// Entries nobody acked would block nothing but would linger as inflight.
	q.Ack(ctx, id)
}

// settleFailureLocked applies the retry policy to a failed send and reports
// whether the drain must stop.
func (q *Queue) settleFailureLocked(ctx context.Context, id uuid.UUID, err error) bool {
	p, ok := q.entries[id]
	if !ok {
		return false
	}
	p.LastError = err.Error()

	stop := false
	switch {
	case ctx.Err() != nil:
		p.Status = StatusQueued
		p.AttemptCount--
		stop = true
	case errors.Is(err, chat_errors.ErrUnauthorized):
		p.Status = StatusQueued
		p.AttemptCount--
		q.report(Failure{ClientTempID: id, ConversationID: p.ConversationID, Err: err})
		stop = true
	case errors.Is(err, chat_errors.ErrNotFound):
		q.report(Failure{ClientTempID: id, ConversationID: p.ConversationID, Err: err, Dropped: true})
		q.removeLocked(context.WithoutCancel(ctx), p)
		return false
	case chat_errors.IsTransient(err) && !q.backoff.Exhausted(p.AttemptCount):
		p.Status = StatusQueued
		p.NextAttemptAt = q.now().Add(q.backoff.Delay(p.AttemptCount))
	default:
		p.Status = StatusFailed
		q.report(Failure{ClientTempID: id, ConversationID: p.ConversationID, Err: err})
	}

	if perr := q.store.Put(context.WithoutCancel(ctx), *p); perr != nil {
		q.logger.Warnf("persist pending %s: %v", id, perr)
	}
	q.signalLocked(p.ConversationID)
	return stop
}

func (q *Queue) report(f Failure) {
	q.logger.Warnf("pending message %s in conversation %d: %v", f.ClientTempID, f.ConversationID, f.Err)
	select {
	case q.failures <- f:
	default:
	}
}

func (q *Queue) changed(conversationID int64) {
	q.mu.Lock()
	fn := q.onChange
	q.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

// sleep waits for d, a wake signal or ctx. It returns false when ctx ended.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}
