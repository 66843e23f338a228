package syncengine

import (
	"context"
	"fmt"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/events"
	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

func eventKey(env events.Envelope) string {
	return fmt.Sprintf("%s/%d/%d/%s/%d", env.EventType, env.ConversationID, env.MessageID, env.ActorID, env.OccurredAt.UnixNano())
}

// IngestPushEvent applies one realtime event. Duplicates inside the seen
// window are ignored. Message events for conversations that are not open
// are rejected with ErrMalformedEvent; conversation level events only
// touch the summary cache. Only applied events take a slot in the window.
func (e *Engine) IngestPushEvent(env events.Envelope) error {
	if !events.Known(env.EventType) || env.ConversationID <= 0 {
		return fmt.Errorf("%w: event %q conversation %d", chat_errors.ErrMalformedEvent, env.EventType, env.ConversationID)
	}
	key := eventKey(env)
	if e.seen.Contains(key) {
		return nil
	}
	if err := e.apply(env); err != nil {
		return err
	}
	e.seen.Add(key)
	return nil
}

func (e *Engine) apply(env events.Envelope) error {
	switch env.EventType {
	case events.EventNotification:
		return e.onNotification(env)
	case events.EventParticipantUpdated:
		return e.onParticipantUpdated(env)
	case events.EventMessagesRead:
		return e.onMessagesRead(env)
	}

	s, ok := e.state(env.ConversationID)
	if !ok {
		err := fmt.Errorf("%w: %s for conversation %d which is not open", chat_errors.ErrMalformedEvent, env.EventType, env.ConversationID)
		e.logger.Debugf("dropping event: %v", err)
		return err
	}

	switch env.EventType {
	case events.EventReceiveMessage:
		return e.onReceiveMessage(s, env)
	case events.EventMessageEdited:
		p, err := events.Decode[events.EditedPayload](env)
		if err != nil {
			return err
		}
		e.mergeAndEmit(s, p.Message)
	case events.EventReactionUpdated:
		return e.onReaction(s, env)
	case events.EventMessageDeleted:
		return e.onDeleted(s, env)
	case events.EventTyping:
		return e.onTyping(s, env)
	}
	return nil
}

func (e *Engine) mergeAndEmit(s *conversationState, m message.Message) {
	s.mu.Lock()
	changed := s.merge(m)
	s.mu.Unlock()
	if changed {
		e.emit(ChangeEvent{ConversationID: s.id, Kind: ChangeMessages})
	}
}

func (e *Engine) onReceiveMessage(s *conversationState, env events.Envelope) error {
	p, err := events.Decode[events.ReceiveMessagePayload](env)
	if err != nil {
		return err
	}
	if p.Message.ConversationID != env.ConversationID {
		return fmt.Errorf("%w: message %d is not in conversation %d", chat_errors.ErrMalformedEvent, p.Message.ID, env.ConversationID)
	}
	if p.Message.SenderID == e.self && p.ClientTempID != "" {
		if id, err := uuid.Parse(p.ClientTempID); err == nil {
			// Our own message echoed back, possibly before the HTTP response.
			e.ReconcilePending(context.Background(), p.Message, id)
			return nil
		}
	}
	e.mergeAndEmit(s, p.Message)
	e.bumpSummary(p.Message)
	return nil
}

func (e *Engine) onReaction(s *conversationState, env events.Envelope) error {
	p, err := events.Decode[events.ReactionPayload](env)
	if err != nil {
		return err
	}
	if p.ReactedAt.IsZero() {
		p.ReactedAt = env.OccurredAt
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.ReactedAt
	}

	s.mu.Lock()
	r, ok := s.records[env.MessageID]
	changed := false
	if ok {
		changed = s.applyReaction(r, p)
	} else {
		// The message itself has not arrived yet.
		s.holdReaction(env.MessageID, p)
	}
	s.mu.Unlock()

	if changed {
		e.emit(ChangeEvent{ConversationID: s.id, Kind: ChangeMessages})
	}
	return nil
}

func (e *Engine) onDeleted(s *conversationState, env events.Envelope) error {
	p, err := events.Decode[events.DeletedPayload](env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := false
	switch {
	case !p.ForEveryone:
		changed = p.UserID == e.self && s.hide(env.MessageID)
	case p.Message != nil:
		changed = s.merge(*p.Message)
	default:
		if r, ok := s.records[env.MessageID]; ok && !r.msg.Deleted {
			r.msg.Tombstone(p.DeletedAt)
			clear(r.reactionAt)
			r.contentAt = p.DeletedAt
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		e.emit(ChangeEvent{ConversationID: s.id, Kind: ChangeMessages})
	}
	return nil
}

func (e *Engine) onTyping(s *conversationState, env events.Envelope) error {
	p, err := events.Decode[events.TypingPayload](env)
	if err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = env.OccurredAt
	}

	s.mu.Lock()
	if p.IsTyping {
		if prev, ok := s.typing[p.UserID]; !ok || p.UpdatedAt.After(prev) {
			s.typing[p.UserID] = p.UpdatedAt
		}
	} else if prev, ok := s.typing[p.UserID]; ok && !prev.After(p.UpdatedAt) {
		delete(s.typing, p.UserID)
	}
	s.mu.Unlock()

	e.emit(ChangeEvent{ConversationID: s.id, Kind: ChangeTyping})
	return nil
}

func (e *Engine) onNotification(env events.Envelope) error {
	p, err := events.Decode[events.NotificationPayload](env)
	if err != nil {
		return err
	}
	e.bumpSummary(p.LastMessage)
	e.updateSummary(env.ConversationID, func(s *conversation.Summary) {
		s.UnreadCount = p.UnreadCount
		s.Settings.UnreadCount = p.UnreadCount
	})
	return nil
}

func (e *Engine) onParticipantUpdated(env events.Envelope) error {
	p, err := events.Decode[events.ParticipantPayload](env)
	if err != nil {
		return err
	}
	if p.Participant.UserID != e.self {
		return nil
	}
	e.updateSummary(env.ConversationID, func(s *conversation.Summary) {
		s.Settings = p.Participant
		s.UnreadCount = p.Participant.UnreadCount
	})
	return nil
}

func (e *Engine) onMessagesRead(env events.Envelope) error {
	p, err := events.Decode[events.ReadPayload](env)
	if err != nil {
		return err
	}

	if s, ok := e.state(env.ConversationID); ok {
		s.mu.Lock()
		for _, id := range p.MessageIDs {
			readers, ok := s.readBy[id]
			if !ok {
				readers = make(map[uuid.UUID]time.Time)
				s.readBy[id] = readers
			}
			if _, done := readers[p.UserID]; !done {
				readers[p.UserID] = p.ReadAt
			}
		}
		s.mu.Unlock()
		e.emit(ChangeEvent{ConversationID: env.ConversationID, Kind: ChangeReceipts})
	}

	if p.UserID == e.self {
		e.updateSummary(env.ConversationID, func(s *conversation.Summary) {
			s.UnreadCount = p.UnreadCount
			s.Settings.UnreadCount = p.UnreadCount
		})
	}
	return nil
}
