package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"livechat/internal/models"
	"livechat/internal/ws"
)

// MessageEngine is the part of the synchronization engine used over HTTP.
type MessageEngine interface {
	SubmitAs(ctx context.Context, senderID int, req models.SubmitRequest) (models.Message, error)
	Conversation(ctx context.Context, a, b int) ([]models.Message, error)
}

// MessageHandler exposes message submit and history over HTTP. Submits go
// through the engine so live connections see them too.
type MessageHandler struct {
	engine MessageEngine
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(engine MessageEngine) *MessageHandler {
	return &MessageHandler{engine: engine}
}

type sendMessageRequest struct {
	ReceiverID int    `json:"receiverId"`
	Content    string `json:"content"`
	ClientKey  string `json:"clientKey"`
}

// SendMessage persists and delivers a message from the caller.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	senderID := c.GetInt("userID")
	msg, err := h.engine.SubmitAs(c.Request.Context(), senderID, models.SubmitRequest{
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		ClientKey:  req.ClientKey,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetMessages returns the conversation between the caller and recipientId.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	recipientID, err := strconv.Atoi(c.Param("recipientId"))
	if err != nil || recipientID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient id"})
		return
	}

	msgs, err := h.engine.Conversation(c.Request.Context(), c.GetInt("userID"), recipientID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ws.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ws.ErrAuth):
		return http.StatusForbidden
	case errors.Is(err, ws.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
