package handler

import (
	"net/http"
	"strings"

	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	messages *services.MessageService
	receipts *services.ReceiptService
}

func NewMessageHandler(messages *services.MessageService, receipts *services.ReceiptService) *MessageHandler {
	return &MessageHandler{messages: messages, receipts: receipts}
}

func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	result, err := h.messages.Send(c.Request.Context(), services.SendInput{
		ConversationID: conversationID,
		SenderID:       userID,
		IdempotencyKey: key,
		Content:        req.Content,
		Type:           req.Type,
		FileURL:        req.FileURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, httpdto.NewSuccessResponse(httpdto.SendMessageResponse{Message: result.Message, Created: result.Created}))
}

func (h *MessageHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, err := parseInt(c.Query("page"))
	if err != nil {
		badRequest(c, "invalid page")
		return
	}
	limit, err := parseInt(c.Query("limit"))
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}

	items, err := h.messages.List(c.Request.Context(), conversationID, userID, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MessagePage{Messages: items, Page: max(page, 1), Limit: limit}))
}

func (h *MessageHandler) Since(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	updatedAfter, err := parseTime(c.Query("updated_after"))
	if err != nil {
		badRequest(c, "invalid updated_after")
		return
	}
	afterID, err := parseInt64(c.Query("after_id"))
	if err != nil {
		badRequest(c, "invalid after_id")
		return
	}
	limit, err := parseInt(c.Query("limit"))
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}

	items, err := h.messages.Since(c.Request.Context(), conversationID, userID, updatedAfter, afterID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.BackfillPage{
		Messages: items,
		HasMore:  limit > 0 && len(items) == limit,
	}))
}

func (h *MessageHandler) Edit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	m, err := h.messages.Edit(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(m))
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	forEveryone, err := parseBool(c.Query("deleteForEveryone"))
	if err != nil {
		badRequest(c, "invalid deleteForEveryone")
		return
	}

	if err := h.messages.Delete(c.Request.Context(), messageID, userID, forEveryone); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.DeleteMessageResponse{MessageID: messageID, ForEveryone: forEveryone}))
}

func (h *MessageHandler) React(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	m, err := h.messages.React(c.Request.Context(), messageID, userID, req.Reaction)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(m))
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	res, err := h.receipts.MarkRead(c.Request.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(res))
}

func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := h.receipts.MarkAllRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(res))
}
