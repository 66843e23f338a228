package services

import (
	"context"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	"chatsync/internal/repository"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

// TypingService stores one typing row per participant and expires rows on
// read once they are older than ttl.
type TypingService struct {
	store       repository.Store
	broadcaster *Broadcaster
	clock       Clock
	ttl         time.Duration
}

func NewTypingService(store repository.Store, broadcaster *Broadcaster, ttl time.Duration, clock Clock) *TypingService {
	if clock == nil {
		clock = DefaultClock
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &TypingService{store: store, broadcaster: broadcaster, clock: clock, ttl: ttl}
}

func (s *TypingService) SetTyping(ctx context.Context, conversationID int64, userID uuid.UUID, isTyping bool) error {
	st := message.TypingStatus{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		UpdatedAt:      s.clock(),
	}
	var conv conversation.Conversation
	err := s.store.InConversation(ctx, conversationID, func(tx repository.ConversationTx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return chat_errors.ErrForbidden
		}
		conv = c
		return tx.UpsertTyping(ctx, st)
	})
	if err != nil {
		return err
	}

	env, err := events.NewEnvelope(events.EventTyping, conversationID, 0, userID, st.UpdatedAt, events.TypingPayload{
		UserID:    userID,
		IsTyping:  isTyping,
		UpdatedAt: st.UpdatedAt,
	})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, without(conv.ParticipantIDs(), userID))
	}
	return nil
}

// Typing lists the other participants currently typing in the conversation.
func (s *TypingService) Typing(ctx context.Context, conversationID int64, viewer uuid.UUID) ([]message.TypingStatus, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewer) {
		return nil, chat_errors.ErrForbidden
	}
	rows, err := s.store.ListTyping(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := []message.TypingStatus{}
	for _, st := range rows {
		if st.UserID != viewer && st.Active(now, s.ttl) {
			out = append(out, st)
		}
	}
	return out, nil
}
