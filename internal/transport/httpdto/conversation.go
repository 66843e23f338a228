package httpdto

import (
	"chatsync/internal/domain/conversation"

	"github.com/google/uuid"
)

// CreateConversationRequest creates a direct conversation when Type is
// "direct" (UserID required) or a group otherwise.
type CreateConversationRequest struct {
	Type    conversation.Type `json:"type"`
	UserID  uuid.UUID         `json:"user_id"`
	Name    string            `json:"name"`
	Members []uuid.UUID       `json:"members"`
}

type CreateConversationResponse struct {
	Conversation conversation.Conversation `json:"conversation"`
	Created      bool                      `json:"created"`
}

type ConversationList struct {
	Conversations []conversation.Summary `json:"conversations"`
}

type ToggleRequest struct {
	Value bool `json:"value"`
}

type NicknameRequest struct {
	Nickname string `json:"nickname"`
}
