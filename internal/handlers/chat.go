package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketchat/internal/models"
	"marketchat/internal/repositories"
	"marketchat/internal/telemetry"
	"marketchat/internal/ws"
)

// ChatHandler manages the conversation REST endpoints.
type ChatHandler struct {
	convRepo    repositories.ConversationRepository
	messageRepo repositories.MessageRepository
	hub         *ws.Hub
	audit       *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(convRepo repositories.ConversationRepository, messageRepo repositories.MessageRepository, hub *ws.Hub, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		hub:         hub,
		audit:       audit,
	}
}

type conversationResponse struct {
	ID           int              `json:"id"`
	Participants []int            `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UnreadCount  int              `json:"unread_count"`
	Messages     []models.Message `json:"messages"`
}

// ListConversations returns the caller's conversations with unread counts,
// ordered by most recent activity.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	summaries, err := h.convRepo.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// GetConversation returns one conversation with its message log and the
// caller's unread count. Participants only.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	conv, err := h.convRepo.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	unread, err := h.messageRepo.CountUnread(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, conversationResponse{
		ID:           conv.ID,
		Participants: conv.Participants(),
		CreatedAt:    conv.CreatedAt,
		UnreadCount:  unread,
		Messages:     msgs,
	})
}

// GetMessages returns the raw message log. Participants only.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	member, err := h.convRepo.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// StartConversation finds or creates the conversation between the caller and
// the given participant. Safe under concurrent calls from both sides.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		ParticipantID int `json:"participant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.convRepo.FindOrCreate(c.Request.Context(), userID, req.ParticipantID)
	if err != nil {
		if errors.Is(err, repositories.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversation"})
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	unread, err := h.messageRepo.CountUnread(c.Request.Context(), conv.ID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, conversationResponse{
		ID:           conv.ID,
		Participants: conv.Participants(),
		CreatedAt:    conv.CreatedAt,
		UnreadCount:  unread,
		Messages:     msgs,
	})
}

// PostMessage appends a message and broadcasts it to the conversation room
// and each other participant's private channel.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	conv, err := h.convRepo.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messageRepo.CreateMessage(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		if errors.Is(err, repositories.ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message content is empty"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	h.hub.BroadcastNewMessage(c.Request.Context(), msg, []int{conv.OtherParticipant(userID)})
	h.audit.Emit(c.Request.Context(), "message_posted", conversationID, requestIDFromContext(c), &userID)

	c.JSON(http.StatusCreated, msg)
}

// MarkRead adds the caller to read_by of every unread message. A no-op when
// nothing is unread: no write, no broadcast.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	member, err := h.convRepo.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	changed, err := h.messageRepo.MarkAllRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark read"})
		return
	}
	if changed {
		h.hub.BroadcastMessagesRead(c.Request.Context(), conversationID, userID)
	}

	c.Status(http.StatusNoContent)
}

// DeleteConversation removes the conversation and all its messages.
// Participants only; deletion is unconditional.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	conv, err := h.convRepo.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	if err := h.convRepo.DeleteConversation(c.Request.Context(), conversationID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
		return
	}

	h.audit.Emit(c.Request.Context(), "conversation_deleted", conversationID, requestIDFromContext(c), &userID)
	c.Status(http.StatusNoContent)
}

func conversationIDParam(c *gin.Context) (int, bool) {
	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return conversationID, true
}
