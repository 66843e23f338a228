package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/events"
	"chatsync/internal/repository"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

const (
	maxNicknameLength  = 64
	maxGroupNameLength = 100
)

type ConversationService struct {
	store       repository.Store
	broadcaster *Broadcaster
	clock       Clock
}

func NewConversationService(store repository.Store, broadcaster *Broadcaster, clock Clock) *ConversationService {
	if clock == nil {
		clock = DefaultClock
	}
	return &ConversationService{store: store, broadcaster: broadcaster, clock: clock}
}

func (s *ConversationService) newParticipant(userID uuid.UUID) conversation.Participant {
	return conversation.Participant{
		UserID:            userID,
		CallNotifications: true,
		JoinedAt:          s.clock(),
	}
}

// CreateDirect returns the direct conversation between the two users,
// creating it on first use. created is false when it already existed.
func (s *ConversationService) CreateDirect(ctx context.Context, userID, otherID uuid.UUID) (conversation.Conversation, bool, error) {
	if otherID == uuid.Nil || otherID == userID {
		return conversation.Conversation{}, false, fmt.Errorf("%w: direct conversation needs another user", chat_errors.ErrInvalidInput)
	}
	if c, err := s.store.FindDirect(ctx, userID, otherID); err == nil {
		return c, false, nil
	} else if !errors.Is(err, chat_errors.ErrNotFound) {
		return conversation.Conversation{}, false, err
	}

	now := s.clock()
	c := conversation.Conversation{
		Type:         conversation.TypeDirect,
		CreatedBy:    userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []conversation.Participant{s.newParticipant(userID), s.newParticipant(otherID)},
	}
	if err := s.store.CreateConversation(ctx, &c); err != nil {
		if errors.Is(err, chat_errors.ErrAlreadyExists) {
			// lost a creation race; the other request's row is the answer
			existing, ferr := s.store.FindDirect(ctx, userID, otherID)
			return existing, false, ferr
		}
		return conversation.Conversation{}, false, err
	}
	return c, true, nil
}

func (s *ConversationService) CreateGroup(ctx context.Context, userID uuid.UUID, name string, members []uuid.UUID) (conversation.Conversation, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxGroupNameLength {
		return conversation.Conversation{}, fmt.Errorf("%w: group name too long", chat_errors.ErrInvalidInput)
	}

	seen := map[uuid.UUID]bool{userID: true}
	participants := []conversation.Participant{s.newParticipant(userID)}
	for _, id := range members {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, s.newParticipant(id))
	}
	if len(participants) < 2 {
		return conversation.Conversation{}, fmt.Errorf("%w: a group needs at least one other member", chat_errors.ErrInvalidInput)
	}

	now := s.clock()
	c := conversation.Conversation{
		Type:         conversation.TypeGroup,
		Name:         name,
		CreatedBy:    userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: participants,
	}
	if err := s.store.CreateConversation(ctx, &c); err != nil {
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (s *ConversationService) List(ctx context.Context, userID uuid.UUID, includeHidden bool) ([]conversation.Summary, error) {
	return s.store.ListSummaries(ctx, userID, includeHidden)
}

func (s *ConversationService) Get(ctx context.Context, conversationID int64, userID uuid.UUID) (conversation.Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return conversation.Conversation{}, chat_errors.ErrForbidden
	}
	return c, nil
}

// UpdateSettings changes one of the caller's own participant settings.
func (s *ConversationService) UpdateSettings(ctx context.Context, conversationID int64, userID uuid.UUID, update conversation.SettingsUpdate) (conversation.Participant, error) {
	if update.Setting == conversation.SettingNickname {
		update.Text = strings.TrimSpace(update.Text)
		if utf8.RuneCountInString(update.Text) > maxNicknameLength {
			return conversation.Participant{}, fmt.Errorf("%w: nickname too long", chat_errors.ErrInvalidInput)
		}
	}

	var out conversation.Participant
	err := s.store.InConversation(ctx, conversationID, func(tx repository.ConversationTx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return err
		}
		for _, p := range c.Participants {
			if p.UserID != userID {
				continue
			}
			update.Apply(&p)
			if err := tx.UpdateParticipant(ctx, p); err != nil {
				return err
			}
			out = p
			return nil
		}
		return chat_errors.ErrForbidden
	})
	if err != nil {
		return conversation.Participant{}, err
	}

	env, err := events.NewEnvelope(events.EventParticipantUpdated, conversationID, 0, userID, s.clock(), events.ParticipantPayload{Participant: out})
	if err == nil {
		s.broadcaster.ToUser(ctx, env, userID)
	}
	return out, nil
}

func (s *ConversationService) Pin(ctx context.Context, conversationID int64, userID uuid.UUID, pinned bool) (conversation.Participant, error) {
	return s.UpdateSettings(ctx, conversationID, userID, conversation.SettingsUpdate{Setting: conversation.SettingPinned, Bool: pinned})
}

func (s *ConversationService) Hide(ctx context.Context, conversationID int64, userID uuid.UUID, hidden bool) (conversation.Participant, error) {
	return s.UpdateSettings(ctx, conversationID, userID, conversation.SettingsUpdate{Setting: conversation.SettingHidden, Bool: hidden})
}

func (s *ConversationService) SetNickname(ctx context.Context, conversationID int64, userID uuid.UUID, nickname string) (conversation.Participant, error) {
	return s.UpdateSettings(ctx, conversationID, userID, conversation.SettingsUpdate{Setting: conversation.SettingNickname, Text: nickname})
}

func (s *ConversationService) SetCloseFriend(ctx context.Context, conversationID int64, userID uuid.UUID, closeFriend bool) (conversation.Participant, error) {
	return s.UpdateSettings(ctx, conversationID, userID, conversation.SettingsUpdate{Setting: conversation.SettingCloseFriend, Bool: closeFriend})
}

func (s *ConversationService) SetCallNotifications(ctx context.Context, conversationID int64, userID uuid.UUID, enabled bool) (conversation.Participant, error) {
	return s.UpdateSettings(ctx, conversationID, userID, conversation.SettingsUpdate{Setting: conversation.SettingCallNotifications, Bool: enabled})
}
