package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/domain/message"
	"chatsync/internal/outqueue"
	"chatsync/internal/transport/httpdto"

	"github.com/google/uuid"
)

func conversationPath(conversationID int64, suffix string) string {
	return fmt.Sprintf("/chat/conversations/%d%s", conversationID, suffix)
}

func messagePath(messageID int64, suffix string) string {
	return fmt.Sprintf("/chat/messages/%d%s", messageID, suffix)
}

func (c *Client) ListConversations(ctx context.Context, includeHidden bool) ([]conversation.Summary, error) {
	q := url.Values{}
	if includeHidden {
		q.Set("include_hidden", "true")
	}
	var out httpdto.ConversationList
	if err := c.do(ctx, request{method: http.MethodGet, path: "/chat/conversations", query: q}, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// CreateDirect gets or creates the direct conversation with userID.
func (c *Client) CreateDirect(ctx context.Context, userID uuid.UUID) (conversation.Conversation, bool, error) {
	var out httpdto.CreateConversationResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/chat/conversations",
		body:   httpdto.CreateConversationRequest{Type: conversation.TypeDirect, UserID: userID},
	}, &out)
	return out.Conversation, out.Created, err
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []uuid.UUID) (conversation.Conversation, error) {
	var out httpdto.CreateConversationResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/chat/conversations",
		body:   httpdto.CreateConversationRequest{Type: conversation.TypeGroup, Name: name, Members: members},
	}, &out)
	return out.Conversation, err
}

// ListMessages returns one newest-first page.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]message.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out httpdto.MessagePage
	if err := c.do(ctx, request{method: http.MethodGet, path: conversationPath(conversationID, "/messages"), query: q}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MessagesSince returns messages changed after the (updatedAfter, afterID)
// cursor in ascending order.
func (c *Client) MessagesSince(ctx context.Context, conversationID int64, updatedAfter time.Time, afterID int64, limit int) ([]message.Message, bool, error) {
	q := url.Values{}
	if !updatedAfter.IsZero() {
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	var out httpdto.BackfillPage
	if err := c.do(ctx, request{method: http.MethodGet, path: conversationPath(conversationID, "/messages/since"), query: q}, &out); err != nil {
		return nil, false, err
	}
	return out.Messages, out.HasMore, nil
}

// SendMessage posts a queued message using its client temp id as the
// idempotency key, so retries of the same entry never duplicate.
func (c *Client) SendMessage(ctx context.Context, p outqueue.PendingMessage) (message.Message, error) {
	key := p.ClientTempID.String()
	var out httpdto.SendMessageResponse
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    conversationPath(p.ConversationID, "/messages"),
		headers: map[string]string{"Idempotency-Key": key},
		body: httpdto.SendMessageRequest{
			Content:        p.Content,
			Type:           p.Type,
			FileURL:        p.FileURL,
			IdempotencyKey: key,
		},
	}, &out)
	return out.Message, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64, messageIDs []int64) (httpdto.ReadResponse, error) {
	var out httpdto.ReadResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   conversationPath(conversationID, "/messages/read"),
		body:   httpdto.MarkReadRequest{MessageIDs: messageIDs},
	}, &out)
	return out, err
}

func (c *Client) MarkAllRead(ctx context.Context, conversationID int64) (httpdto.ReadResponse, error) {
	var out httpdto.ReadResponse
	err := c.do(ctx, request{method: http.MethodPost, path: conversationPath(conversationID, "/read-all")}, &out)
	return out, err
}

func (c *Client) SendTyping(ctx context.Context, conversationID int64, isTyping bool) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   conversationPath(conversationID, "/typing"),
		body:   httpdto.TypingRequest{IsTyping: isTyping},
	}, nil)
}

func (c *Client) Typing(ctx context.Context, conversationID int64) ([]message.TypingStatus, error) {
	var out httpdto.TypingResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: conversationPath(conversationID, "/typing")}, &out); err != nil {
		return nil, err
	}
	return out.Typing, nil
}

// React sets the caller's reaction; an empty reaction removes it.
func (c *Client) React(ctx context.Context, messageID int64, reaction string) (message.Message, error) {
	var out message.Message
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   messagePath(messageID, "/reactions"),
		body:   httpdto.ReactionRequest{Reaction: reaction},
	}, &out)
	return out, err
}

func (c *Client) Edit(ctx context.Context, messageID int64, content string) (message.Message, error) {
	var out message.Message
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   messagePath(messageID, ""),
		body:   httpdto.EditMessageRequest{Content: content},
	}, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, messageID int64, forEveryone bool) error {
	q := url.Values{}
	q.Set("deleteForEveryone", strconv.FormatBool(forEveryone))
	return c.do(ctx, request{method: http.MethodDelete, path: messagePath(messageID, ""), query: q}, nil)
}

func (c *Client) setting(ctx context.Context, conversationID int64, name string, body any) (conversation.Participant, error) {
	var out conversation.Participant
	err := c.do(ctx, request{method: http.MethodPost, path: conversationPath(conversationID, "/"+name), body: body}, &out)
	return out, err
}

func (c *Client) Pin(ctx context.Context, conversationID int64, pinned bool) (conversation.Participant, error) {
	return c.setting(ctx, conversationID, "pin", httpdto.ToggleRequest{Value: pinned})
}

func (c *Client) Hide(ctx context.Context, conversationID int64, hidden bool) (conversation.Participant, error) {
	return c.setting(ctx, conversationID, "hide", httpdto.ToggleRequest{Value: hidden})
}

func (c *Client) SetNickname(ctx context.Context, conversationID int64, nickname string) (conversation.Participant, error) {
	return c.setting(ctx, conversationID, "nickname", httpdto.NicknameRequest{Nickname: nickname})
}
