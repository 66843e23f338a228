package services

import (
	"context"
	"slices"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/repository"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

type ReceiptService struct {
	store       repository.Store
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	clock       Clock
}

func NewReceiptService(store repository.Store, broadcaster *Broadcaster, m *metrics.Metrics, clock Clock) *ReceiptService {
	if clock == nil {
		clock = DefaultClock
	}
	return &ReceiptService{store: store, broadcaster: broadcaster, metrics: m, clock: clock}
}

type ReadResult struct {
	Inserted    int     `json:"inserted"`
	UnreadCount int     `json:"unread_count"`
	MessageIDs  []int64 `json:"message_ids"`
}

// MarkRead records receipts for messageIDs. Ids already read, ids outside
// the conversation and repeated ids are ignored.
func (s *ReceiptService) MarkRead(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) (ReadResult, error) {
	ids := slices.Clone(messageIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return s.markRead(ctx, conversationID, userID, func(repository.ConversationTx) ([]int64, error) {
		return ids, nil
	})
}

// MarkAllRead marks every currently unread message. It is MarkRead applied
// to the unread id set taken under the same lock.
func (s *ReceiptService) MarkAllRead(ctx context.Context, conversationID int64, userID uuid.UUID) (ReadResult, error) {
	return s.markRead(ctx, conversationID, userID, func(tx repository.ConversationTx) ([]int64, error) {
		return tx.UnreadMessageIDs(ctx, userID)
	})
}

func (s *ReceiptService) markRead(ctx context.Context, conversationID int64, userID uuid.UUID, pick func(repository.ConversationTx) ([]int64, error)) (ReadResult, error) {
	var (
		res  ReadResult
		conv conversation.Conversation
	)
	now := s.clock()
	err := s.store.InConversation(ctx, conversationID, func(tx repository.ConversationTx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return chat_errors.ErrForbidden
		}
		ids, err := pick(tx)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertReadReceipts(ctx, userID, ids, now)
		if err != nil {
			return err
		}
		unread, err := recomputeUnread(ctx, tx, userID)
		if err != nil {
			return err
		}
		res = ReadResult{Inserted: inserted, UnreadCount: unread, MessageIDs: ids}
		conv = c
		return nil
	})
	if err != nil {
		return ReadResult{}, err
	}
	if res.MessageIDs == nil {
		res.MessageIDs = []int64{}
	}

	s.metrics.ReceiptsInserted(res.Inserted)
	if res.Inserted == 0 {
		return res, nil
	}
	env, err := events.NewEnvelope(events.EventMessagesRead, conversationID, 0, userID, now, events.ReadPayload{
		UserID:      userID,
		MessageIDs:  res.MessageIDs,
		ReadAt:      now,
		UnreadCount: res.UnreadCount,
	})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, conv.ParticipantIDs())
	}
	return res, nil
}

// recomputeUnread sets the participant's unread_count to the exact number of
// unread messages and returns it.
func recomputeUnread(ctx context.Context, tx repository.ConversationTx, userID uuid.UUID) (int, error) {
	ids, err := tx.UnreadMessageIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.SetUnreadCount(ctx, userID, len(ids)); err != nil {
		return 0, err
	}
	return len(ids), nil
}
