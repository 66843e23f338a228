package message

import (
	"time"

	"github.com/google/uuid"
)

// Type is the payload kind of a message.
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeFile  Type = "file"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile:
		return true
	}
	return false
}

// Message represents the messages table.
//
// CreatedAt never changes after insert. UpdatedAt moves on every mutation
// (edit, reaction, delete-for-everyone) and is what fetch merges compare.
// A message deleted for everyone stays in place as a tombstone with its
// content, file and reactions cleared. DeletedForMe is only ever set on
// backfill results, for the viewer who hid the message.
type Message struct {
	ID             int64                `json:"id"`
	ConversationID int64                `json:"conversation_id"`
	SenderID       uuid.UUID            `json:"sender_id"`
	Content        string               `json:"content"`
	Type           Type                 `json:"type"`
	FileURL        *string              `json:"file_url,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Reactions      map[uuid.UUID]string `json:"reactions"`
	Deleted        bool                 `json:"deleted"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	EditedAt       *time.Time           `json:"edited_at,omitempty"`
	DeletedAt      *time.Time           `json:"deleted_at,omitempty"`
	DeletedForMe   bool                 `json:"deleted_for_me,omitempty"`
}

// Before reports whether m sorts before o in a timeline.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Clone returns a copy that shares no maps or pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make(map[uuid.UUID]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	if m.FileURL != nil {
		v := *m.FileURL
		out.FileURL = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		out.EditedAt = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		out.DeletedAt = &v
	}
	return out
}

// Tombstone clears the message body in place.
func (m *Message) Tombstone(at time.Time) {
	m.Deleted = true
	m.Content = ""
	m.FileURL = nil
	m.Reactions = map[uuid.UUID]string{}
	m.DeletedAt = &at
	m.UpdatedAt = at
}

// HideForViewer reduces m to the marker a viewer's backfill carries for a
// message they deleted for themselves. UpdatedAt becomes the later of the
// last mutation and the deletion so the marker sorts after both.
func (m *Message) HideForViewer(deletedAt time.Time) {
	m.DeletedForMe = true
	m.Content = ""
	m.FileURL = nil
	m.Reactions = map[uuid.UUID]string{}
	if deletedAt.After(m.UpdatedAt) {
		m.UpdatedAt = deletedAt
	}
}

// ReadReceipt represents message_read_status. Rows are inserted once and never updated.
type ReadReceipt struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Deletion represents message_deletions (delete for me).
type Deletion struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingStatus represents typing_status, one row per conversation and user.
type TypingStatus struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Active reports whether the status still counts as typing at now.
func (t TypingStatus) Active(now time.Time, ttl time.Duration) bool {
	return t.IsTyping && now.Sub(t.UpdatedAt) < ttl
}
