package handler

import (
	"net/http"

	"chatsync/internal/domain/conversation"
	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	service *services.ConversationService
	typing  *services.TypingService
}

func NewConversationHandler(service *services.ConversationService, typing *services.TypingService) *ConversationHandler {
	return &ConversationHandler{service: service, typing: typing}
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	includeHidden, err := parseBool(c.Query("include_hidden"))
	if err != nil {
		badRequest(c, "invalid include_hidden")
		return
	}

	items, err := h.service.List(c.Request.Context(), userID, includeHidden)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []conversation.Summary{}
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ConversationList{Conversations: items}))
}

func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	var (
		conv    conversation.Conversation
		created = true
		err     error
	)
	switch req.Type {
	case conversation.TypeDirect, "":
		conv, created, err = h.service.CreateDirect(c.Request.Context(), userID, req.UserID)
	case conversation.TypeGroup:
		conv, err = h.service.CreateGroup(c.Request.Context(), userID, req.Name, req.Members)
	default:
		badRequest(c, "invalid type")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, httpdto.NewSuccessResponse(httpdto.CreateConversationResponse{Conversation: conv, Created: created}))
}

func (h *ConversationHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	conv, err := h.service.Get(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(conv))
}

// toggle builds a handler for a boolean participant setting.
func (h *ConversationHandler) toggle(setting conversation.Setting) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		conversationID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req httpdto.ToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request")
			return
		}

		p, err := h.service.UpdateSettings(c.Request.Context(), conversationID, userID, conversation.SettingsUpdate{Setting: setting, Bool: req.Value})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(p))
	}
}

func (h *ConversationHandler) Pin() gin.HandlerFunc { return h.toggle(conversation.SettingPinned) }

func (h *ConversationHandler) Hide() gin.HandlerFunc { return h.toggle(conversation.SettingHidden) }

func (h *ConversationHandler) CloseFriend() gin.HandlerFunc {
	return h.toggle(conversation.SettingCloseFriend)
}

func (h *ConversationHandler) CallNotifications() gin.HandlerFunc {
	return h.toggle(conversation.SettingCallNotifications)
}

func (h *ConversationHandler) Nickname(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.NicknameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	p, err := h.service.SetNickname(c.Request.Context(), conversationID, userID, req.Nickname)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(p))
}

func (h *ConversationHandler) SetTyping(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req httpdto.TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	if err := h.typing.SetTyping(c.Request.Context(), conversationID, userID, req.IsTyping); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"is_typing": req.IsTyping}))
}

func (h *ConversationHandler) Typing(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	items, err := h.typing.Typing(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.TypingResponse{Typing: items}))
}
