package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	chat_errors "chatsync/pkg/errors"
)

type pairKey struct {
	messageID int64
	userID    uuid.UUID
}

type idemKey struct {
	senderID uuid.UUID
	key      string
}

type typingKey struct {
	conversationID int64
	userID         uuid.UUID
}

// MemoryStore keeps everything in process. It backs tests and single-node
// development runs. Writes made inside InConversation are applied
// immediately, so callers validate before they write.
type MemoryStore struct {
	mu sync.RWMutex

	nextConversationID int64
	nextMessageID      int64

	conversations map[int64]*conversation.Conversation
	direct        map[string]int64
	messages      map[int64]*message.Message
	byConv        map[int64][]int64
	idempotency   map[idemKey]int64
	receipts      map[pairKey]time.Time
	deletions     map[pairKey]time.Time
	typing        map[typingKey]message.TypingStatus

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*conversation.Conversation),
		direct:        make(map[string]int64),
		messages:      make(map[int64]*message.Message),
		byConv:        make(map[int64][]int64),
		idempotency:   make(map[idemKey]int64),
		receipts:      make(map[pairKey]time.Time),
		deletions:     make(map[pairKey]time.Time),
		typing:        make(map[typingKey]message.TypingStatus),
		locks:         make(map[int64]*sync.Mutex),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if c.Type == conversation.TypeDirect {
		if len(c.Participants) != 2 {
			return chat_errors.ErrInvalidInput
		}
		key = directKey(c.Participants[0].UserID, c.Participants[1].UserID)
		if _, ok := s.direct[key]; ok {
			return chat_errors.ErrAlreadyExists
		}
	}

	s.nextConversationID++
	c.ID = s.nextConversationID
	for i := range c.Participants {
		c.Participants[i].ConversationID = c.ID
	}
	stored := cloneConversation(*c)
	s.conversations[c.ID] = &stored
	if key != "" {
		s.direct[key] = c.ID
	}
	return nil
}

func (s *MemoryStore) FindDirect(ctx context.Context, a, b uuid.UUID) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.direct[directKey(a, b)]
	if !ok {
		return conversation.Conversation{}, chat_errors.ErrNotFound
	}
	return cloneConversation(*s.conversations[id]), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id int64) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, chat_errors.ErrNotFound
	}
	return cloneConversation(*c), nil
}

func (s *MemoryStore) ListSummaries(ctx context.Context, userID uuid.UUID, includeHidden bool) ([]conversation.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []conversation.Summary
	for _, c := range s.conversations {
		for _, p := range c.Participants {
			if p.UserID != userID || (p.Hidden && !includeHidden) {
				continue
			}
			sum := conversation.Summary{
				Conversation: cloneConversation(*c),
				Settings:     p,
				UnreadCount:  p.UnreadCount,
			}
			if c.LastMessageID != nil {
				if m, ok := s.messages[*c.LastMessageID]; ok {
					last := m.Clone()
					sum.LastMessage = &last
				}
			}
			out = append(out, sum)
		}
	}
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMessageLocked(id)
}

func (s *MemoryStore) getMessageLocked(id int64) (message.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return message.Message{}, chat_errors.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) visibleLocked(conversationID int64, viewer uuid.UUID) []message.Message {
	ids := s.byConv[conversationID]
	out := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		if _, hidden := s.deletions[pairKey{id, viewer}]; hidden {
			continue
		}
		out = append(out, s.messages[id].Clone())
	}
	return out
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID int64, viewer uuid.UUID, offset, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat_errors.ErrNotFound
	}

	msgs := s.visibleLocked(conversationID, viewer)
	sort.Slice(msgs, func(i, j int) bool { return msgs[j].Before(msgs[i]) })
	return window(msgs, offset, limit), nil
}

func (s *MemoryStore) ListMessagesSince(ctx context.Context, conversationID int64, viewer uuid.UUID, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat_errors.ErrNotFound
	}

	var msgs []message.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id].Clone()
		if at, hidden := s.deletions[pairKey{id, viewer}]; hidden {
			m.HideForViewer(at)
		}
		if m.UpdatedAt.After(updatedAfter) || (m.UpdatedAt.Equal(updatedAfter) && m.ID > afterID) {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].UpdatedAt.Equal(msgs[j].UpdatedAt) {
			return msgs[i].UpdatedAt.Before(msgs[j].UpdatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return window(msgs, 0, limit), nil
}

func (s *MemoryStore) ListTyping(ctx context.Context, conversationID int64) ([]message.TypingStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []message.TypingStatus
	for k, st := range s.typing {
		if k.conversationID == conversationID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) conversationLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) InConversation(ctx context.Context, conversationID int64, fn func(tx ConversationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	_, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return chat_errors.ErrNotFound
	}

	l := s.conversationLock(conversationID)
	l.Lock()
	defer l.Unlock()
	return fn(&memoryTx{s: s, conversationID: conversationID})
}

type memoryTx struct {
	s              *MemoryStore
	conversationID int64
}

func (t *memoryTx) Conversation(ctx context.Context) (conversation.Conversation, error) {
	return t.s.GetConversation(ctx, t.conversationID)
}

func (t *memoryTx) UpdateParticipant(ctx context.Context, p conversation.Participant) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.conversations[t.conversationID]
	for i := range c.Participants {
		if c.Participants[i].UserID == p.UserID {
			p.ConversationID = t.conversationID
			c.Participants[i] = p
			return nil
		}
	}
	return chat_errors.ErrNotFound
}

func (t *memoryTx) UnhideAll(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.conversations[t.conversationID]
	for i := range c.Participants {
		c.Participants[i].Hidden = false
	}
	return nil
}

func (t *memoryTx) Touch(ctx context.Context, lastMessageID int64, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.conversations[t.conversationID]
	c.LastMessageID = &lastMessageID
	c.UpdatedAt = at
	return nil
}

func (t *memoryTx) GetMessage(ctx context.Context, id int64) (message.Message, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	m, err := t.s.getMessageLocked(id)
	if err != nil {
		return message.Message{}, err
	}
	if m.ConversationID != t.conversationID {
		return message.Message{}, chat_errors.ErrNotFound
	}
	return m, nil
}

func (t *memoryTx) FindByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (message.Message, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.idempotency[idemKey{senderID, key}]
	if !ok {
		return message.Message{}, chat_errors.ErrNotFound
	}
	return t.s.getMessageLocked(id)
}

func (t *memoryTx) InsertMessage(ctx context.Context, m *message.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := idemKey{m.SenderID, m.IdempotencyKey}
	if _, ok := t.s.idempotency[k]; ok {
		return chat_errors.ErrConflict
	}
	t.s.nextMessageID++
	m.ID = t.s.nextMessageID
	m.ConversationID = t.conversationID
	if m.Reactions == nil {
		m.Reactions = map[uuid.UUID]string{}
	}
	stored := m.Clone()
	t.s.messages[m.ID] = &stored
	t.s.byConv[t.conversationID] = append(t.s.byConv[t.conversationID], m.ID)
	t.s.idempotency[k] = m.ID
	return nil
}

func (t *memoryTx) UpdateMessage(ctx context.Context, m message.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.messages[m.ID]
	if !ok || cur.ConversationID != t.conversationID {
		return chat_errors.ErrNotFound
	}
	// created_at, sender and idempotency key are immutable
	next := m.Clone()
	next.CreatedAt = cur.CreatedAt
	next.SenderID = cur.SenderID
	next.IdempotencyKey = cur.IdempotencyKey
	next.ConversationID = cur.ConversationID
	t.s.messages[m.ID] = &next
	return nil
}

func (t *memoryTx) InsertReadReceipts(ctx context.Context, userID uuid.UUID, messageIDs []int64, at time.Time) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	inserted := 0
	for _, id := range messageIDs {
		m, ok := t.s.messages[id]
		if !ok || m.ConversationID != t.conversationID {
			continue
		}
		k := pairKey{id, userID}
		if _, seen := t.s.receipts[k]; seen {
			continue
		}
		t.s.receipts[k] = at
		inserted++
	}
	return inserted, nil
}

func (t *memoryTx) InsertDeletion(ctx context.Context, d message.Deletion) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := pairKey{d.MessageID, d.UserID}
	if _, ok := t.s.deletions[k]; !ok {
		t.s.deletions[k] = d.CreatedAt
	}
	return nil
}

func (t *memoryTx) UnreadMessageIDs(ctx context.Context, userID uuid.UUID) ([]int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var ids []int64
	for _, id := range t.s.byConv[t.conversationID] {
		m := t.s.messages[id]
		if m.SenderID == userID || m.Deleted {
			continue
		}
		k := pairKey{id, userID}
		if _, hidden := t.s.deletions[k]; hidden {
			continue
		}
		if _, read := t.s.receipts[k]; read {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memoryTx) SetUnreadCount(ctx context.Context, userID uuid.UUID, n int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.conversations[t.conversationID]
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].UnreadCount = max(n, 0)
			return nil
		}
	}
	return chat_errors.ErrNotFound
}

func (t *memoryTx) IncrementUnread(ctx context.Context, except uuid.UUID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.conversations[t.conversationID]
	for i := range c.Participants {
		if c.Participants[i].UserID != except {
			c.Participants[i].UnreadCount++
		}
	}
	return nil
}

func (t *memoryTx) UpsertTyping(ctx context.Context, st message.TypingStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	st.ConversationID = t.conversationID
	t.s.typing[typingKey{t.conversationID, st.UserID}] = st
	return nil
}

func cloneConversation(c conversation.Conversation) conversation.Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessageID != nil {
		v := *c.LastMessageID
		out.LastMessageID = &v
	}
	return out
}

func window(msgs []message.Message, offset, limit int) []message.Message {
	if offset >= len(msgs) {
		return []message.Message{}
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs
}

func sortSummaries(out []conversation.Summary) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Settings.Pinned != out[j].Settings.Pinned {
			return out[i].Settings.Pinned
		}
		if !out[i].Conversation.UpdatedAt.Equal(out[j].Conversation.UpdatedAt) {
			return out[i].Conversation.UpdatedAt.After(out[j].Conversation.UpdatedAt)
		}
		return out[i].Conversation.ID > out[j].Conversation.ID
	})
}
