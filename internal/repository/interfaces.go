package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/domain/outbox"
)

// Store is the durable record of conversations, messages, receipts, deletions
// and typing state. Reads may run anywhere; every mutation of a conversation's
// shared state goes through InConversation.
type Store interface {
	CreateConversation(ctx context.Context, c *conversation.Conversation) error
	FindDirect(ctx context.Context, a, b uuid.UUID) (conversation.Conversation, error)
	GetConversation(ctx context.Context, id int64) (conversation.Conversation, error)
	ListSummaries(ctx context.Context, userID uuid.UUID, includeHidden bool) ([]conversation.Summary, error)

	GetMessage(ctx context.Context, id int64) (message.Message, error)
	// ListMessages returns a newest-first page, skipping messages the viewer deleted for themselves.
	ListMessages(ctx context.Context, conversationID int64, viewer uuid.UUID, offset, limit int) ([]message.Message, error)
	// ListMessagesSince returns messages whose (updated_at, id) is after the cursor, ascending.
	// Messages the viewer deleted for themselves are returned as DeletedForMe markers
	// whose updated_at includes the deletion time.
	ListMessagesSince(ctx context.Context, conversationID int64, viewer uuid.UUID, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, error)
	ListTyping(ctx context.Context, conversationID int64) ([]message.TypingStatus, error)

	// InConversation runs fn with the conversation locked against concurrent
	// mutation. The lock is held until fn returns.
	InConversation(ctx context.Context, conversationID int64, fn func(tx ConversationTx) error) error

	Close() error
}

// ConversationTx is the set of writes available while a conversation is locked.
type ConversationTx interface {
	Conversation(ctx context.Context) (conversation.Conversation, error)
	UpdateParticipant(ctx context.Context, p conversation.Participant) error
	UnhideAll(ctx context.Context) error
	Touch(ctx context.Context, lastMessageID int64, at time.Time) error

	GetMessage(ctx context.Context, id int64) (message.Message, error)
	FindByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (message.Message, error)
	InsertMessage(ctx context.Context, m *message.Message) error
	UpdateMessage(ctx context.Context, m message.Message) error

	// InsertReadReceipts inserts the missing (message, user) receipts and
	// returns how many rows were new.
	InsertReadReceipts(ctx context.Context, userID uuid.UUID, messageIDs []int64, at time.Time) (int, error)
	InsertDeletion(ctx context.Context, d message.Deletion) error
	// UnreadMessageIDs lists messages from other senders that are not
	// tombstoned, not hidden by the user and not yet read by the user.
	UnreadMessageIDs(ctx context.Context, userID uuid.UUID) ([]int64, error)
	SetUnreadCount(ctx context.Context, userID uuid.UUID, n int) error
	IncrementUnread(ctx context.Context, except uuid.UUID) error

	UpsertTyping(ctx context.Context, st message.TypingStatus) error
}

// OutboxRepository persists failed publishes. Claim hands each event to a
// single processor at a time; an event whose processor died is claimable
// again once its lease expires.
type OutboxRepository interface {
	Create(ctx context.Context, event *outbox.Event) error
	Claim(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]outbox.Event, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	// Release records a failed attempt and returns the event to pending.
	Release(ctx context.Context, id uuid.UUID, lastError string) error
	// MarkFailed records the final failed attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	Backlog(ctx context.Context) (int, error)
}
