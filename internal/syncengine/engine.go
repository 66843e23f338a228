package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/outqueue"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
)

const (
	DefaultSeenWindow = 2048
	DefaultPageLimit  = 50
	DefaultTypingTTL  = 5 * time.Second
)

// Fetcher is the pull channel.
type Fetcher interface {
	// ListMessages returns a page (1-based), newest first.
	ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]message.Message, error)
	// MessagesSince returns messages changed after the cursor in ascending
	// (updated_at, id) order and whether another page follows.
	MessagesSince(ctx context.Context, conversationID int64, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, bool, error)
}

// PendingSource is the read side of the outgoing queue plus its ack hook.
type PendingSource interface {
	Pending(conversationID int64) []outqueue.PendingMessage
	Ack(ctx context.Context, id uuid.UUID)
}

type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangePending  ChangeKind = "pending"
	ChangeTyping   ChangeKind = "typing"
	ChangeReceipts ChangeKind = "receipts"
	ChangeSummary  ChangeKind = "summary"
	ChangeStale    ChangeKind = "stale"
)

// ChangeEvent tells observers which part of which conversation to redraw.
type ChangeEvent struct {
	ConversationID int64
	Kind           ChangeKind
	Err            error
}

type Options struct {
	SelfID     uuid.UUID
	PageLimit  int
	SeenWindow int
	TypingTTL  time.Duration
	Resync     RetryPolicy
	Logger     *logger.Logger
	Clock      func() time.Time
}

// Engine keeps the local view of open conversations consistent with the
// server across the push channel, the pull channel and the local queue.
type Engine struct {
	fetcher Fetcher
	pending PendingSource
	self    uuid.UUID
	limit   int
	ttl     time.Duration
	retry   RetryPolicy
	logger  *logger.Logger
	now     func() time.Time
	seen    *seenSet

	mu        sync.RWMutex
	convs     map[int64]*conversationState
	summaries map[int64]conversation.Summary

	subsMu sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int
}

func New(fetcher Fetcher, pending PendingSource, opts Options) *Engine {
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.Resync == (RetryPolicy{}) {
		opts.Resync = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		fetcher:   fetcher,
		pending:   pending,
		self:      opts.SelfID,
		limit:     opts.PageLimit,
		ttl:       opts.TypingTTL,
		retry:     opts.Resync,
		logger:    opts.Logger,
		now:       opts.Clock,
		seen:      newSeenSet(opts.SeenWindow),
		convs:     make(map[int64]*conversationState),
		summaries: make(map[int64]conversation.Summary),
		subs:      make(map[int]chan ChangeEvent),
	}
}

func (e *Engine) state(conversationID int64) (*conversationState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.convs[conversationID]
	return s, ok
}

// Open registers the conversation and loads its newest page.
func (e *Engine) Open(ctx context.Context, conversationID int64) error {
	e.mu.Lock()
	if _, ok := e.convs[conversationID]; !ok {
		e.convs[conversationID] = newConversationState(conversationID)
	}
	e.mu.Unlock()

	_, err := e.LoadOlder(ctx, conversationID)
	return err
}

// LoadOlder fetches the next older page and returns how many messages it
// held. It returns 0 once the beginning of the conversation was reached.
// Only the first page seeds the backfill cursor: an older message edited
// recently would otherwise move it past newer messages not yet seen.
func (e *Engine) LoadOlder(ctx context.Context, conversationID int64) (int, error) {
	s, ok := e.state(conversationID)
	if !ok {
		return 0, fmt.Errorf("%w: conversation %d is not open", chat_errors.ErrNotFound, conversationID)
	}

	s.mu.Lock()
	page, done := s.nextPage, s.exhausted
	s.mu.Unlock()
	if done {
		return 0, nil
	}

	msgs, err := e.fetcher.ListMessages(ctx, conversationID, page, e.limit)
	if err != nil {
		return 0, fmt.Errorf("load page %d of conversation %d: %w", page, conversationID, err)
	}

	s.mu.Lock()
	if s.nextPage == page {
		s.nextPage++
		s.exhausted = len(msgs) < e.limit
	}
	changed := e.mergeLocked(s, msgs)
	if page == 1 {
		s.advance(msgs)
	}
	s.mu.Unlock()

	if changed {
		e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangeMessages})
	}
	return len(msgs), nil
}

// Close forgets the conversation's messages. Its summary is kept.
func (e *Engine) Close(conversationID int64) {
	e.mu.Lock()
	delete(e.convs, conversationID)
	e.mu.Unlock()
}

func (e *Engine) IsOpen(conversationID int64) bool {
	_, ok := e.state(conversationID)
	return ok
}

// OpenConversations returns the ids of open conversations in ascending order.
func (e *Engine) OpenConversations() []int64 {
	e.mu.RLock()
	ids := make([]int64, 0, len(e.convs))
	for id := range e.convs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IngestFetchPage merges a backfill page and moves the cursor past it.
func (e *Engine) IngestFetchPage(conversationID int64, msgs []message.Message) error {
	s, ok := e.state(conversationID)
	if !ok {
		return fmt.Errorf("%w: conversation %d is not open", chat_errors.ErrNotFound, conversationID)
	}

	s.mu.Lock()
	changed := e.mergeLocked(s, msgs)
	s.advance(msgs)
	s.mu.Unlock()

	if changed {
		e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangeMessages})
	}
	return nil
}

// MergeMessage applies a message returned by a mutation call. Unlike a
// fetched page it never moves the backfill cursor.
func (e *Engine) MergeMessage(m message.Message) error {
	s, ok := e.state(m.ConversationID)
	if !ok {
		return fmt.Errorf("%w: conversation %d is not open", chat_errors.ErrNotFound, m.ConversationID)
	}
	e.mergeAndEmit(s, m)
	return nil
}

func (e *Engine) mergeLocked(s *conversationState, msgs []message.Message) bool {
	changed := false
	for _, m := range msgs {
		if m.ConversationID != 0 && m.ConversationID != s.id {
			e.logger.Warnf("message %d belongs to conversation %d, not %d", m.ID, m.ConversationID, s.id)
			continue
		}
		if m.DeletedForMe {
			if s.hide(m.ID) {
				changed = true
			}
			continue
		}
		if s.merge(m) {
			changed = true
		}
	}
	return changed
}

// HideForMe hides a message the user deleted for themselves. It reports
// whether the message was visible before.
func (e *Engine) HideForMe(conversationID, messageID int64) bool {
	s, ok := e.state(conversationID)
	if !ok {
		return false
	}
	s.mu.Lock()
	changed := s.hide(messageID)
	s.mu.Unlock()
	if changed {
		e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangeMessages})
	}
	return changed
}

// ConversationOf finds the open conversation holding messageID.
func (e *Engine) ConversationOf(messageID int64) (int64, bool) {
	for _, id := range e.OpenConversations() {
		s, ok := e.state(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		_, found := s.records[messageID]
		s.mu.Unlock()
		if found {
			return id, true
		}
	}
	return 0, false
}

// ReconcilePending swaps a pending entry for its acknowledged server copy.
// The message becomes visible before the queue entry is removed, so the
// timeline never shows both or neither. Calling it twice is harmless.
func (e *Engine) ReconcilePending(ctx context.Context, m message.Message, clientTempID uuid.UUID) {
	s, ok := e.state(m.ConversationID)
	if ok {
		s.mu.Lock()
		s.merge(m)
		s.acked[clientTempID] = m.ID
		s.mu.Unlock()
	}

	e.pending.Ack(ctx, clientTempID)

	if ok {
		s.mu.Lock()
		delete(s.acked, clientTempID)
		s.mu.Unlock()
		e.emit(ChangeEvent{ConversationID: m.ConversationID, Kind: ChangeMessages})
	}
	e.bumpSummary(m)
}

// PendingChanged is installed as the queue's change hook.
func (e *Engine) PendingChanged(conversationID int64) {
	e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangePending})
}

// Messages returns the acknowledged part of the timeline.
func (e *Engine) Messages(conversationID int64) []message.Message {
	s, ok := e.state(conversationID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Message returns a cached message, tombstones included.
func (e *Engine) Message(conversationID, messageID int64) (message.Message, bool) {
	s, ok := e.state(conversationID)
	if !ok {
		return message.Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok || s.hidden[messageID] {
		return message.Message{}, false
	}
	return r.msg.Clone(), true
}

// ReadBy returns who has read the message, as far as this client has seen.
func (e *Engine) ReadBy(conversationID, messageID int64) []uuid.UUID {
	s, ok := e.state(conversationID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.readBy[messageID]))
	for u := range s.readBy[messageID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// TypingUsers returns other users whose last typing event said true and is
// younger than the TTL.
func (e *Engine) TypingUsers(conversationID int64) []uuid.UUID {
	s, ok := e.state(conversationID)
	if !ok {
		return nil
	}
	now := e.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for u, at := range s.typing {
		if u == e.self || now.Sub(at) >= e.ttl {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (e *Engine) Stale(conversationID int64) bool {
	s, ok := e.state(conversationID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// SetConversations replaces the conversation list cache.
func (e *Engine) SetConversations(items []conversation.Summary) {
	e.mu.Lock()
	e.summaries = make(map[int64]conversation.Summary, len(items))
	for _, s := range items {
		e.summaries[s.Conversation.ID] = s
	}
	e.mu.Unlock()
	e.emit(ChangeEvent{Kind: ChangeSummary})
}

// Conversations returns the cached list, pinned first, then most recent.
func (e *Engine) Conversations() []conversation.Summary {
	e.mu.RLock()
	out := make([]conversation.Summary, 0, len(e.summaries))
	for _, s := range e.summaries {
		out = append(out, s)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Settings.Pinned != out[j].Settings.Pinned {
			return out[i].Settings.Pinned
		}
		if !out[i].Conversation.UpdatedAt.Equal(out[j].Conversation.UpdatedAt) {
			return out[i].Conversation.UpdatedAt.After(out[j].Conversation.UpdatedAt)
		}
		return out[i].Conversation.ID > out[j].Conversation.ID
	})
	return out
}

func (e *Engine) updateSummary(conversationID int64, fn func(*conversation.Summary)) bool {
	e.mu.Lock()
	s, ok := e.summaries[conversationID]
	if ok {
		fn(&s)
		e.summaries[conversationID] = s
	}
	e.mu.Unlock()
	if ok {
		e.emit(ChangeEvent{ConversationID: conversationID, Kind: ChangeSummary})
	}
	return ok
}

func (e *Engine) bumpSummary(m message.Message) {
	e.updateSummary(m.ConversationID, func(s *conversation.Summary) {
		if s.LastMessage != nil && !s.LastMessage.Before(m) && s.LastMessage.ID != m.ID {
			return
		}
		mc := m.Clone()
		s.LastMessage = &mc
		if m.CreatedAt.After(s.Conversation.UpdatedAt) {
			s.Conversation.UpdatedAt = m.CreatedAt
		}
		s.Settings.Hidden = false
	})
}

// Subscribe returns a channel of change notifications and a function that
// cancels the subscription. Notifications are dropped for slow readers.
func (e *Engine) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 64)
	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subsMu.Unlock()

	return ch, func() {
		e.subsMu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.subsMu.Unlock()
	}
}

func (e *Engine) emit(ev ChangeEvent) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
