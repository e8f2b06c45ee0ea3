package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-realtime/internal/dispatch"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/telemetry"
)

// MessageDispatcher is the dispatcher surface used by the REST handlers.
type MessageDispatcher interface {
	Submit(ctx context.Context, sub dispatch.Submission) (models.Message, error)
	MarkRead(ctx context.Context, userID, messageID int64) error
	Retract(ctx context.Context, userID, messageID int64) (models.Message, error)
	CanJoin(ctx context.Context, userID int64, key rooms.Key) error
}

// MessageHandler serves room history and message mutations.
type MessageHandler struct {
	dispatcher MessageDispatcher
	messages   repositories.MessageRepository
	audit      *telemetry.AuditEmitter
	pageMax    int
}

// NewMessageHandler builds a MessageHandler. pageMax caps the history page size.
func NewMessageHandler(dispatcher MessageDispatcher, messages repositories.MessageRepository, audit *telemetry.AuditEmitter, pageMax int) *MessageHandler {
	if pageMax <= 0 {
		pageMax = 50
	}
	return &MessageHandler{dispatcher: dispatcher, messages: messages, audit: audit, pageMax: pageMax}
}

// GetRoomMessages returns one cursor page of a room's history, newest first.
func (h *MessageHandler) GetRoomMessages(c *gin.Context) {
	userID := callerID(c)
	key := rooms.Key(c.Param("room"))
	room, err := models.RoomRefFromKey(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room", "error_code": "invalid_room"})
		return
	}
	if err := h.dispatcher.CanJoin(c.Request.Context(), userID, key); err != nil {
		writeDispatchError(c, err)
		return
	}

	direction := models.Direction(c.DefaultQuery("direction", string(models.Older)))
	if direction != models.Older && direction != models.Newer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be older or newer"})
		return
	}

	limit := h.pageMax
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	var cursor *models.Cursor
	if raw := c.Query("cursor"); raw != "" {
		decoded, err := models.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = &decoded
	}
	if cursor == nil && direction == models.Newer {
		// without a position "newer" means the latest page
		direction = models.Older
	}

	page, err := h.messages.ListPage(c.Request.Context(), room, cursor, direction, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, page)
}

type postMessageRequest struct {
	models.SubmitPayload
	ClientID string `json:"client_id"`
}

// PostMessage submits a message through the dispatcher.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	msg, err := h.dispatcher.Submit(c.Request.Context(), dispatch.Submission{
		SenderID:      callerID(c),
		Room:          req.Room(),
		Content:       req.Content,
		Kind:          req.MessageType,
		ReplyTo:       req.ReplyToMessageID,
		CorrelationID: req.ClientID,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead flags a message as read by the caller.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}
	if err := h.dispatcher.MarkRead(c.Request.Context(), callerID(c), messageID); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetractMessage tombstones a message (sender only).
func (h *MessageHandler) RetractMessage(c *gin.Context) {
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}
	msg, err := h.dispatcher.Retract(c.Request.Context(), callerID(c), messageID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message retracted via api", requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusOK, msg)
}

func parseMessageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, false
	}
	return id, true
}

func writeDispatchError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": dispatch.MessageOf(err), "error_code": dispatch.CodeOf(err)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRoomRef),
		errors.Is(err, dispatch.ErrInvalidContent),
		errors.Is(err, dispatch.ErrInvalidReply):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotRoomMember),
		errors.Is(err, dispatch.ErrBlockedByRecipient),
		errors.Is(err, dispatch.ErrRecipientBlocked),
		errors.Is(err, dispatch.ErrNotSender),
		errors.Is(err, dispatch.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
