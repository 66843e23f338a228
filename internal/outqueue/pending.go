package outqueue

import (
	"time"

	"chatsync/internal/domain/message"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusInflight Status = "inflight"
	StatusFailed   Status = "failed"
)

// Draft is what the UI hands to Enqueue.
type Draft struct {
	ConversationID int64
	Content        string
	Type           message.Type
	FileURL        *string
}

// PendingMessage is a locally created message the server has not yet
// acknowledged. ClientTempID doubles as the idempotency key.
type PendingMessage struct {
	ClientTempID   uuid.UUID    `json:"client_temp_id"`
	ConversationID int64        `json:"conversation_id"`
	Content        string       `json:"content"`
	Type           message.Type `json:"type"`
	FileURL        *string      `json:"file_url,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	AttemptCount   int          `json:"attempt_count"`
	Status         Status       `json:"status"`
	Seq            uint64       `json:"seq"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	LastError      string       `json:"last_error,omitempty"`
}

// Failure reports an entry the queue gave up on, or a drain that stopped
// because the credentials were rejected.
type Failure struct {
	ClientTempID   uuid.UUID
	ConversationID int64
	Err            error
	Dropped        bool
}
