package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"testing"

	"chatsync/internal/testserver"
	"chatsync/internal/transport/httpdto"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func call(t *testing.T, method, url, token string, body any, headers ...string) (int, apiResponse) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, r apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

func TestRoutes_HealthAndPing(t *testing.T) {
	srv := testserver.Start(t)

	status, body := call(t, http.MethodGet, srv.URL+"/ping", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	status, _ = call(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	srv := testserver.Start(t)

	status, body := call(t, http.MethodGet, srv.APIURL()+"/chat/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, body.Success)
	assert.Equal(t, "UNAUTHORIZED", body.Code)
}

func TestRoutes_MessageLifecycle(t *testing.T) {
	srv := testserver.Start(t)
	alice, bob := uuid.New(), uuid.New()
	aliceToken, bobToken := srv.Token(t, alice), srv.Token(t, bob)
	base := srv.APIURL() + "/chat"

	status, body := call(t, http.MethodPost, base+"/conversations", aliceToken, httpdto.CreateConversationRequest{UserID: bob})
	require.Equal(t, http.StatusCreated, status)
	created := decode[httpdto.CreateConversationResponse](t, body)
	assert.True(t, created.Created)
	convURL := base + "/conversations/" + itoa(created.Conversation.ID)

	status, _ = call(t, http.MethodPost, base+"/conversations", bobToken, httpdto.CreateConversationRequest{Type: "direct", UserID: alice})
	assert.Equal(t, http.StatusOK, status, "existing direct conversation")

	send := httpdto.SendMessageRequest{Content: "hello"}
	status, body = call(t, http.MethodPost, convURL+"/messages", aliceToken, send, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, status)
	sent := decode[httpdto.SendMessageResponse](t, body)
	assert.True(t, sent.Created)

	status, body = call(t, http.MethodPost, convURL+"/messages", aliceToken, send, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusOK, status)
	replay := decode[httpdto.SendMessageResponse](t, body)
	assert.False(t, replay.Created)
	assert.Equal(t, sent.Message.ID, replay.Message.ID)

	status, body = call(t, http.MethodPost, convURL+"/messages", aliceToken, httpdto.SendMessageRequest{Content: "no key"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", body.Code)

	status, body = call(t, http.MethodGet, convURL+"/messages?page=1&limit=10", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[httpdto.MessagePage](t, body)
	require.Len(t, page.Messages, 1)

	status, body = call(t, http.MethodGet, convURL+"/messages/since?limit=1", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	backfill := decode[httpdto.BackfillPage](t, body)
	assert.Len(t, backfill.Messages, 1)
	assert.True(t, backfill.HasMore)

	msgURL := base + "/messages/" + itoa(sent.Message.ID)
	status, _ = call(t, http.MethodPost, msgURL+"/reactions", bobToken, httpdto.ReactionRequest{Reaction: "❤️"})
	require.Equal(t, http.StatusOK, status)

	status, body = call(t, http.MethodPut, msgURL, bobToken, httpdto.EditMessageRequest{Content: "not yours"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", body.Code)

	status, body = call(t, http.MethodPost, convURL+"/messages/read", bobToken, httpdto.MarkReadRequest{MessageIDs: []int64{sent.Message.ID}})
	require.Equal(t, http.StatusOK, status)
	read := decode[httpdto.ReadResponse](t, body)
	assert.Equal(t, 1, read.Inserted)

	status, body = call(t, http.MethodPost, convURL+"/read-all", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, decode[httpdto.ReadResponse](t, body).Inserted)

	status, body = call(t, http.MethodDelete, msgURL+"?deleteForEveryone=true", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[httpdto.DeleteMessageResponse](t, body).ForEveryone)

	status, body = call(t, http.MethodGet, convURL+"/messages", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	page = decode[httpdto.MessagePage](t, body)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Deleted)
}

func TestRoutes_SettingsAndTyping(t *testing.T) {
	srv := testserver.Start(t)
	alice, bob := uuid.New(), uuid.New()
	conv, _, err := srv.Conversations.CreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	convURL := srv.APIURL() + "/chat/conversations/" + itoa(conv.ID)
	aliceToken, bobToken := srv.Token(t, alice), srv.Token(t, bob)

	status, _ := call(t, http.MethodPost, convURL+"/pin", aliceToken, httpdto.ToggleRequest{Value: true})
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, http.MethodPost, convURL+"/hide", aliceToken, httpdto.ToggleRequest{Value: true})
	require.Equal(t, http.StatusOK, status)

	status, body := call(t, http.MethodGet, srv.APIURL()+"/chat/conversations", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[httpdto.ConversationList](t, body).Conversations)

	status, body = call(t, http.MethodGet, srv.APIURL()+"/chat/conversations?include_hidden=true", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[httpdto.ConversationList](t, body).Conversations
	require.Len(t, list, 1)
	assert.True(t, list[0].Settings.Pinned)

	status, _ = call(t, http.MethodPost, convURL+"/typing", aliceToken, httpdto.TypingRequest{IsTyping: true})
	require.Equal(t, http.StatusOK, status)
	status, body = call(t, http.MethodGet, convURL+"/typing", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	typing := decode[httpdto.TypingResponse](t, body).Typing
	require.Len(t, typing, 1)
	assert.Equal(t, alice, typing[0].UserID)

	status, _ = call(t, http.MethodGet, srv.APIURL()+"/chat/conversations/abc", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, http.MethodGet, convURL, srv.Token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", body.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
