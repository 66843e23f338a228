package httpdto

import (
	"chatsync/internal/domain/message"
)

// SendMessageRequest is the body of POST /chat/conversations/:id/messages.
// The Idempotency-Key header takes precedence over IdempotencyKey.
type SendMessageRequest struct {
	Content        string       `json:"content"`
	Type           message.Type `json:"type"`
	FileURL        *string      `json:"file_url,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// ReactionRequest sets the caller's reaction. An empty value removes it.
type ReactionRequest struct {
	Reaction string `json:"reaction"`
}

type MarkReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type MessagePage struct {
	Messages []message.Message `json:"messages"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
}

// BackfillPage answers a since-cursor query. HasMore means the page was
// full and the caller should ask again from its last message.
type BackfillPage struct {
	Messages []message.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

type SendMessageResponse struct {
	Message message.Message `json:"message"`
	Created bool            `json:"created"`
}

type TypingResponse struct {
	Typing []message.TypingStatus `json:"typing"`
}

// ReadResponse answers the mark-read endpoints. Inserted counts the
// receipts that were new.
type ReadResponse struct {
	Inserted    int     `json:"inserted"`
	UnreadCount int     `json:"unread_count"`
	MessageIDs  []int64 `json:"message_ids"`
}

type DeleteMessageResponse struct {
	MessageID   int64 `json:"message_id"`
	ForEveryone bool  `json:"for_everyone"`
}
