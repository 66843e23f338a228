package events

import (
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"

	"github.com/google/uuid"
)

// Realtime event names as they appear on the push channel.
const (
	EventReceiveMessage     = "receiveMessage"
	EventNotification       = "notification"
	EventTyping             = "typing"
	EventReactionUpdated    = "reactionUpdated"
	EventMessageDeleted     = "messageDeleted"
	EventMessageEdited      = "messageEdited"
	EventMessagesRead       = "messagesRead"
	EventParticipantUpdated = "participantUpdated"
)

// Known reports whether eventType is one of the realtime event names.
func Known(eventType string) bool {
	switch eventType {
	case EventReceiveMessage, EventNotification, EventTyping, EventReactionUpdated,
		EventMessageDeleted, EventMessageEdited, EventMessagesRead, EventParticipantUpdated:
		return true
	}
	return false
}

// ReceiveMessagePayload is delivered to every participant, the sender included.
// ClientTempID lets the sender's other clients reconcile their pending entry.
type ReceiveMessagePayload struct {
	Message      message.Message `json:"message"`
	ClientTempID string          `json:"client_temp_id,omitempty"`
}

// NotificationPayload is delivered to every participant except the sender.
type NotificationPayload struct {
	LastMessage message.Message `json:"last_message"`
	UnreadCount int             `json:"unread_count"`
}

type TypingPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReactionPayload carries a single user's reaction. An empty Reaction means removed.
type ReactionPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	Reaction  string    `json:"reaction"`
	ReactedAt time.Time `json:"reacted_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeletedPayload struct {
	UserID      uuid.UUID        `json:"user_id"`
	ForEveryone bool             `json:"for_everyone"`
	DeletedAt   time.Time        `json:"deleted_at"`
	Message     *message.Message `json:"message,omitempty"`
}

type EditedPayload struct {
	Message message.Message `json:"message"`
}

type ReadPayload struct {
	UserID      uuid.UUID `json:"user_id"`
	MessageIDs  []int64   `json:"message_ids"`
	ReadAt      time.Time `json:"read_at"`
	UnreadCount int       `json:"unread_count"`
}

type ParticipantPayload struct {
	Participant conversation.Participant `json:"participant"`
}
