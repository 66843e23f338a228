package outbox

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
)

// Event is an encoded realtime envelope whose first publish to Channel
// failed. The processor retries it until it is delivered or Attempts
// reaches the configured maximum.
type Event struct {
	ID          uuid.UUID
	EventType   string
	Channel     string
	Payload     []byte
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
}

// NewEvent builds a pending event for a publish that just failed with cause.
func NewEvent(eventType, channel string, payload []byte, cause error, now time.Time) *Event {
	e := &Event{
		ID:        uuid.New(),
		EventType: eventType,
		Channel:   channel,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	return e
}

// Claimable reports whether a processor may take e: pending, or processing
// with an expired lease, and still under the attempt budget.
func (e Event) Claimable(now time.Time, maxAttempts int, lease time.Duration) bool {
	if e.Attempts >= maxAttempts {
		return false
	}
	switch e.Status {
	case StatusPending:
		return true
	case StatusProcessing:
		return now.Sub(e.UpdatedAt) >= lease
	}
	return false
}
