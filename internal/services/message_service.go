package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/repository"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

const (
	maxContentLength        = 4000
	maxReactionLength       = 32
	maxIdempotencyKeyLength = 100
)

type MessageService struct {
	store        repository.Store
	broadcaster  *Broadcaster
	metrics      *metrics.Metrics
	clock        Clock
	deleteWindow time.Duration
	defaultLimit int
	maxLimit     int
}

type MessageServiceOptions struct {
	DeleteWindow time.Duration
	DefaultLimit int
	MaxLimit     int
	Clock        Clock
}

func NewMessageService(store repository.Store, broadcaster *Broadcaster, m *metrics.Metrics, opts MessageServiceOptions) *MessageService {
	if opts.Clock == nil {
		opts.Clock = DefaultClock
	}
	if opts.DeleteWindow <= 0 {
		opts.DeleteWindow = 24 * time.Hour
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	return &MessageService{
		store:        store,
		broadcaster:  broadcaster,
		metrics:      m,
		clock:        opts.Clock,
		deleteWindow: opts.DeleteWindow,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
	}
}

type SendInput struct {
	ConversationID int64
	SenderID       uuid.UUID
	IdempotencyKey string
	Content        string
	Type           message.Type
	FileURL        *string
}

// SendResult reports whether the message was created by this call or is the
// one already stored under the same idempotency key.
type SendResult struct {
	Message message.Message
	Created bool
}

func validateSend(in *SendInput) error {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.IdempotencyKey == "" || len(in.IdempotencyKey) > maxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key is required", chat_errors.ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = message.TypeText
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", chat_errors.ErrInvalidInput, in.Type)
	}
	if utf8.RuneCountInString(in.Content) > maxContentLength {
		return fmt.Errorf("%w: content too long", chat_errors.ErrInvalidInput)
	}
	switch in.Type {
	case message.TypeText:
		if strings.TrimSpace(in.Content) == "" {
			return fmt.Errorf("%w: content is required", chat_errors.ErrInvalidInput)
		}
		in.FileURL = nil
	default:
		if in.FileURL == nil || strings.TrimSpace(*in.FileURL) == "" {
			return fmt.Errorf("%w: file_url is required for %s messages", chat_errors.ErrInvalidInput, in.Type)
		}
	}
	return nil
}

// Send persists a message once per (sender, idempotency key). Repeating a
// send returns the stored message and does not broadcast again.
func (s *MessageService) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if err := validateSend(&in); err != nil {
		return SendResult{}, err
	}

	var (
		res  SendResult
		conv conversation.Conversation
	)
	err := s.store.InConversation(ctx, in.ConversationID, func(tx repository.ConversationTx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return err
		}
		if !c.HasParticipant(in.SenderID) {
			return chat_errors.ErrForbidden
		}

		existing, err := tx.FindByIdempotencyKey(ctx, in.SenderID, in.IdempotencyKey)
		switch {
		case err == nil:
			if existing.ConversationID != in.ConversationID {
				return fmt.Errorf("%w: idempotency key already used in another conversation", chat_errors.ErrConflict)
			}
			res = SendResult{Message: existing}
			return nil
		case !errors.Is(err, chat_errors.ErrNotFound):
			return err
		}

		// created_at never runs backwards inside a conversation
		now := after(s.clock(), c.UpdatedAt)
		m := message.Message{
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Content:        in.Content,
			Type:           in.Type,
			FileURL:        in.FileURL,
			IdempotencyKey: in.IdempotencyKey,
			Reactions:      map[uuid.UUID]string{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertMessage(ctx, &m); err != nil {
			return err
		}
		if err := tx.Touch(ctx, m.ID, now); err != nil {
			return err
		}
		if err := tx.IncrementUnread(ctx, in.SenderID); err != nil {
			return err
		}
		if err := tx.UnhideAll(ctx); err != nil {
			return err
		}
		if conv, err = tx.Conversation(ctx); err != nil {
			return err
		}
		res = SendResult{Message: m, Created: true}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}

	if !res.Created {
		s.metrics.IdempotentReplay()
		return res, nil
	}
	s.metrics.MessagePersisted()
	s.broadcastNew(ctx, conv, res.Message)
	return res, nil
}

func (s *MessageService) broadcastNew(ctx context.Context, conv conversation.Conversation, m message.Message) {
	env, err := events.NewEnvelope(events.EventReceiveMessage, m.ConversationID, m.ID, m.SenderID, m.CreatedAt,
		events.ReceiveMessagePayload{Message: m, ClientTempID: m.IdempotencyKey})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, conv.ParticipantIDs())
	}

	for _, p := range conv.Participants {
		if p.UserID == m.SenderID {
			continue
		}
		env, err := events.NewEnvelope(events.EventNotification, m.ConversationID, m.ID, m.SenderID, m.CreatedAt,
			events.NotificationPayload{LastMessage: m, UnreadCount: p.UnreadCount})
		if err != nil {
			continue
		}
		s.broadcaster.ToUser(ctx, env, p.UserID)
	}
}

func (s *MessageService) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	return min(limit, s.maxLimit)
}

func (s *MessageService) requireParticipant(ctx context.Context, conversationID int64, userID uuid.UUID) (conversation.Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return conversation.Conversation{}, chat_errors.ErrForbidden
	}
	return c, nil
}

// List returns page (1-based) of the conversation, newest first.
func (s *MessageService) List(ctx context.Context, conversationID int64, viewer uuid.UUID, page, limit int) ([]message.Message, error) {
	if _, err := s.requireParticipant(ctx, conversationID, viewer); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	limit = s.clampLimit(limit)
	return s.store.ListMessages(ctx, conversationID, viewer, (page-1)*limit, limit)
}

// Since returns messages changed after the (updatedAfter, afterID) cursor in
// ascending (updated_at, id) order. It backs reconnection backfill. Messages
// the viewer deleted for themselves come back as DeletedForMe markers.
func (s *MessageService) Since(ctx context.Context, conversationID int64, viewer uuid.UUID, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, error) {
	if _, err := s.requireParticipant(ctx, conversationID, viewer); err != nil {
		return nil, err
	}
	return s.store.ListMessagesSince(ctx, conversationID, viewer, updatedAfter, afterID, s.clampLimit(limit))
}

// mutate loads the message's conversation, locks it and hands fn the
// current message and participant list.
func (s *MessageService) mutate(ctx context.Context, messageID int64, userID uuid.UUID, fn func(tx repository.ConversationTx, conv conversation.Conversation, m message.Message) error) error {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.store.InConversation(ctx, m.ConversationID, func(tx repository.ConversationTx) error {
		conv, err := tx.Conversation(ctx)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return chat_errors.ErrForbidden
		}
		cur, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		return fn(tx, conv, cur)
	})
}

// Edit replaces the content of the sender's own message. No history is kept.
func (s *MessageService) Edit(ctx context.Context, messageID int64, userID uuid.UUID, content string) (message.Message, error) {
	if strings.TrimSpace(content) == "" || utf8.RuneCountInString(content) > maxContentLength {
		return message.Message{}, fmt.Errorf("%w: content must be 1-%d characters", chat_errors.ErrInvalidInput, maxContentLength)
	}

	var (
		out  message.Message
		conv conversation.Conversation
	)
	err := s.mutate(ctx, messageID, userID, func(tx repository.ConversationTx, c conversation.Conversation, m message.Message) error {
		if m.SenderID != userID {
			return chat_errors.ErrForbidden
		}
		if m.Deleted {
			return chat_errors.ErrNotFound
		}
		now := after(s.clock(), m.UpdatedAt)
		m.Content = content
		m.EditedAt = &now
		m.UpdatedAt = now
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		out, conv = m, c
		return nil
	})
	if err != nil {
		return message.Message{}, err
	}

	env, err := events.NewEnvelope(events.EventMessageEdited, out.ConversationID, out.ID, userID, out.UpdatedAt, events.EditedPayload{Message: out})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, conv.ParticipantIDs())
	}
	return out, nil
}

// React sets or, with an empty value, removes userID's reaction. The server
// time taken under the conversation lock decides which write wins.
func (s *MessageService) React(ctx context.Context, messageID int64, userID uuid.UUID, value string) (message.Message, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxReactionLength {
		return message.Message{}, fmt.Errorf("%w: reaction too long", chat_errors.ErrInvalidInput)
	}

	var (
		out     message.Message
		conv    conversation.Conversation
		changed bool
	)
	err := s.mutate(ctx, messageID, userID, func(tx repository.ConversationTx, c conversation.Conversation, m message.Message) error {
		if m.Deleted {
			return chat_errors.ErrNotFound
		}
		out, conv = m, c
		prev, had := m.Reactions[userID]
		if (value == "" && !had) || (had && prev == value) {
			return nil
		}
		now := after(s.clock(), m.UpdatedAt)
		if m.Reactions == nil {
			m.Reactions = map[uuid.UUID]string{}
		}
		if value == "" {
			delete(m.Reactions, userID)
		} else {
			m.Reactions[userID] = value
		}
		m.UpdatedAt = now
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		out, changed = m, true
		return nil
	})
	if err != nil {
		return message.Message{}, err
	}
	if !changed {
		return out, nil
	}

	env, err := events.NewEnvelope(events.EventReactionUpdated, out.ConversationID, out.ID, userID, out.UpdatedAt, events.ReactionPayload{
		UserID:    userID,
		Reaction:  value,
		ReactedAt: out.UpdatedAt,
		UpdatedAt: out.UpdatedAt,
	})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, conv.ParticipantIDs())
	}
	return out, nil
}

// Delete hides the message for userID, or with forEveryone tombstones it for
// all participants. Only the sender may delete for everyone, and only within
// the configured window after sending.
func (s *MessageService) Delete(ctx context.Context, messageID int64, userID uuid.UUID, forEveryone bool) error {
	if forEveryone {
		return s.deleteForEveryone(ctx, messageID, userID)
	}
	return s.deleteForMe(ctx, messageID, userID)
}

func (s *MessageService) deleteForEveryone(ctx context.Context, messageID int64, userID uuid.UUID) error {
	var (
		out     message.Message
		conv    conversation.Conversation
		changed bool
	)
	err := s.mutate(ctx, messageID, userID, func(tx repository.ConversationTx, c conversation.Conversation, m message.Message) error {
		if m.SenderID != userID {
			return chat_errors.ErrForbidden
		}
		if m.Deleted {
			return nil
		}
		now := after(s.clock(), m.UpdatedAt)
		if now.Sub(m.CreatedAt) > s.deleteWindow {
			return chat_errors.ErrDeleteWindowPast
		}
		m.Tombstone(now)
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if p.UserID == m.SenderID {
				continue
			}
			if _, err := recomputeUnread(ctx, tx, p.UserID); err != nil {
				return err
			}
		}
		out, conv, changed = m, c, true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	env, err := events.NewEnvelope(events.EventMessageDeleted, out.ConversationID, out.ID, userID, *out.DeletedAt, events.DeletedPayload{
		UserID:      userID,
		ForEveryone: true,
		DeletedAt:   *out.DeletedAt,
		Message:     &out,
	})
	if err == nil {
		s.broadcaster.ToUsers(ctx, env, conv.ParticipantIDs())
	}
	return nil
}

func (s *MessageService) deleteForMe(ctx context.Context, messageID int64, userID uuid.UUID) error {
	var (
		conversationID int64
		at             time.Time
	)
	err := s.mutate(ctx, messageID, userID, func(tx repository.ConversationTx, c conversation.Conversation, m message.Message) error {
		at = after(s.clock(), m.UpdatedAt)
		if err := tx.InsertDeletion(ctx, message.Deletion{MessageID: m.ID, UserID: userID, CreatedAt: at}); err != nil {
			return err
		}
		if _, err := recomputeUnread(ctx, tx, userID); err != nil {
			return err
		}
		conversationID = m.ConversationID
		return nil
	})
	if err != nil {
		return err
	}

	env, err := events.NewEnvelope(events.EventMessageDeleted, conversationID, messageID, userID, at, events.DeletedPayload{
		UserID:    userID,
		DeletedAt: at,
	})
	if err == nil {
		s.broadcaster.ToUser(ctx, env, userID)
	}
	return nil
}
