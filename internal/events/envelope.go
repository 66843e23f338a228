package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	chat_errors "chatsync/pkg/errors"
)

// Envelope is the wire frame of every realtime event.
type Envelope struct {
	EventType      string          `json:"event_type"`
	ConversationID int64           `json:"conversation_id"`
	MessageID      int64           `json:"message_id,omitempty"`
	ActorID        uuid.UUID       `json:"actor_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType string, conversationID, messageID int64, actor uuid.UUID, at time.Time, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType:      eventType,
		ConversationID: conversationID,
		MessageID:      messageID,
		ActorID:        actor,
		OccurredAt:     at.UTC(),
		Payload:        raw,
	}, nil
}

// ParseEnvelope decodes a frame and rejects frames that cannot be routed.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", chat_errors.ErrMalformedEvent, err)
	}
	if !Known(env.EventType) || env.ConversationID <= 0 {
		return Envelope{}, fmt.Errorf("%w: event %q conversation %d", chat_errors.ErrMalformedEvent, env.EventType, env.ConversationID)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", chat_errors.ErrMalformedEvent, env.EventType, err)
	}
	return out, nil
}
