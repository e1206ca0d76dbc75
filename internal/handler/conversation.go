package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"stay_booking/internal/domain"
	"stay_booking/internal/middleware"
	"stay_booking/internal/service"
	"stay_booking/pkg/logger"
)

type ConversationHandler struct {
	messaging service.MessagingService
	log       logger.Logger
}

func NewConversationHandler(messaging service.MessagingService, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		messaging: messaging,
		log:       log,
	}
}

// List - инбокс текущего пользователя
func (h *ConversationHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	if name := middleware.DisplayName(c); name != "" {
		if err := h.messaging.RegisterProfile(ctx, userID, name); err != nil {
			h.log.Warn("Failed to register profile", "error", err, "user_id", userID)
		}
	}

	conversations, err := h.messaging.QueryConversations(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

type StartConversationRequest struct {
	PropertyID string `json:"property_id"`
	HostID     string `json:"host_id" binding:"required"`
}

// Start открывает (или возвращает существующий) диалог гостя с хостом
func (h *ConversationHandler) Start(c *gin.Context) {
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.messaging.StartConversation(c.Request.Context(), req.PropertyID, middleware.UserID(c), req.HostID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	if err := h.messaging.Authorize(ctx, conversationID, middleware.UserID(c)); err != nil {
		_ = c.Error(err)
		return
	}

	messages, err := h.messaging.QueryMessages(ctx, conversationID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, messages)
}

type SendMessageRequest struct {
	Content  domain.Content `json:"content"`
	ClientID string         `json:"client_id"`
}

func (h *ConversationHandler) Send(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.messaging.InsertMessage(c.Request.Context(), domain.MessageDraft{
		ConversationID: c.Param("id"),
		SenderID:       middleware.UserID(c),
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

// Read отмечает диалог прочитанным текущим пользователем
func (h *ConversationHandler) Read(c *gin.Context) {
	if err := h.messaging.AcknowledgeRead(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		_ = c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
