package conversation

import (
	"time"

	"chatsync/internal/domain/message"

	"github.com/google/uuid"
)

type Type string

const (
	TypeDirect Type = "direct"
	TypeGroup  Type = "group"
)

// Conversation represents the conversations table
type Conversation struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	Name      string    `json:"name,omitempty"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastMessageID *int64 `json:"last_message_id,omitempty"`

	Participants []Participant `json:"participants,omitempty"`
}

// Participant represents the participants table. Settings belong to UserID alone.
type Participant struct {
	ConversationID    int64     `json:"conversation_id"`
	UserID            uuid.UUID `json:"user_id"`
	Pinned            bool      `json:"pinned"`
	Hidden            bool      `json:"hidden"`
	Nickname          string    `json:"nickname,omitempty"`
	IsCloseFriend     bool      `json:"is_close_friend"`
	CallNotifications bool      `json:"call_notifications"`
	UnreadCount       int       `json:"unread_count"`
	JoinedAt          time.Time `json:"joined_at"`
}

// Summary is a conversation as seen by one participant in a listing.
type Summary struct {
	Conversation Conversation     `json:"conversation"`
	Settings     Participant      `json:"settings"`
	UnreadCount  int              `json:"unread_count"`
	LastMessage  *message.Message `json:"last_message,omitempty"`
}

func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (c Conversation) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Setting names a participant setting that can be changed through the API.
type Setting string

const (
	SettingPinned            Setting = "pinned"
	SettingHidden            Setting = "hidden"
	SettingNickname          Setting = "nickname"
	SettingCloseFriend       Setting = "is_close_friend"
	SettingCallNotifications Setting = "call_notifications"
)

// SettingsUpdate carries a single participant setting change.
type SettingsUpdate struct {
	Setting Setting
	Bool    bool
	Text    string
}

// Apply writes the change into p.
func (u SettingsUpdate) Apply(p *Participant) {
	switch u.Setting {
	case SettingPinned:
		p.Pinned = u.Bool
	case SettingHidden:
		p.Hidden = u.Bool
	case SettingNickname:
		p.Nickname = u.Text
	case SettingCloseFriend:
		p.IsCloseFriend = u.Bool
	case SettingCallNotifications:
		p.CallNotifications = u.Bool
	}
}
