package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"forum-service/internal/models"
	"forum-service/internal/observability"
	"forum-service/internal/repositories"
	"forum-service/internal/telemetry"
)

const maxBatchSize = 500

// ForumMessageHandler serves history, batched append and batched delete.
type ForumMessageHandler struct {
	forumRepo   repositories.ForumRepository
	messageRepo repositories.ForumMessageRepository
	audit       *telemetry.AuditEmitter
	log         *zap.Logger
}

// NewForumMessageHandler builds a ForumMessageHandler.
func NewForumMessageHandler(forumRepo repositories.ForumRepository, messageRepo repositories.ForumMessageRepository, audit *telemetry.AuditEmitter, log *zap.Logger) *ForumMessageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ForumMessageHandler{
		forumRepo:   forumRepo,
		messageRepo: messageRepo,
		audit:       audit,
		log:         log,
	}
}

// Register mounts the message routes on r.
func (h *ForumMessageHandler) Register(r gin.IRouter) {
	r.GET("/forums/:forum_id/messages", h.GetMessages)
	r.POST("/forums/:forum_id/messages", h.AppendMessages)
	r.DELETE("/forums/:forum_id/messages", h.DeleteMessages)
}

type appendRequest struct {
	Messages []models.Message `json:"messages"`
}

func (r appendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Messages, validation.Length(0, maxBatchSize)),
	)
}

type deleteRequest struct {
	MessageIDs []int64 `json:"messageIds"`
}

func (r deleteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MessageIDs,
			validation.Length(0, maxBatchSize),
			validation.Each(validation.Required, validation.Min(int64(1))),
		),
	)
}

// GetMessages returns the forum history, oldest first.
func (h *ForumMessageHandler) GetMessages(c *gin.Context) {
	forumID, ok := h.loadForum(c)
	if !ok {
		return
	}

	msgs, err := h.messageRepo.History(c.Request.Context(), forumID)
	if err != nil {
		h.log.Error("history_failed", zap.Int64("forum_id", forumID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// AppendMessages stores a batch and answers with the settled ids in request
// order.
func (h *ForumMessageHandler) AppendMessages(c *gin.Context) {
	forumID, ok := h.loadForum(c)
	if !ok {
		return
	}

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := senderIDFromContext(c)
	for i := range req.Messages {
		m := &req.Messages[i]
		if m.RoomID == 0 {
			m.RoomID = forumID
		}
		if m.SenderID == "" && sender != nil {
			m.SenderID = *sender
		}
		if m.RoomID != forumID {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("messages[%d]: roomId does not match forum", i)})
			return
		}
		if err := m.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("messages[%d]: %v", i, err)})
			return
		}
	}

	if len(req.Messages) == 0 {
		c.JSON(http.StatusOK, gin.H{"acceptedIds": []int64{}})
		return
	}

	ids, err := h.messageRepo.AppendMessages(c.Request.Context(), forumID, req.Messages)
	if err != nil {
		h.log.Error("append_failed", zap.Int64("forum_id", forumID), zap.Int("count", len(req.Messages)), zap.Error(err))
		h.audit.Emit(c.Request.Context(), requestIDFromContext(c), sender, telemetry.AuditPayload{Level: "ERROR", Text: "append messages failed", ForumID: forumID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store messages"})
		return
	}

	observability.AddForumMessages("append", len(ids))
	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), sender, telemetry.AuditPayload{Level: "INFO", Text: "messages appended", ForumID: forumID, Count: len(ids)})
	c.JSON(http.StatusOK, gin.H{"acceptedIds": ids})
}

// DeleteMessages soft-deletes a batch and answers with the ids removed.
func (h *ForumMessageHandler) DeleteMessages(c *gin.Context) {
	forumID, ok := h.loadForum(c)
	if !ok {
		return
	}

	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.MessageIDs) == 0 {
		c.JSON(http.StatusOK, gin.H{"deletedIds": []int64{}})
		return
	}

	sender := senderIDFromContext(c)
	var senderID string
	if sender != nil {
		senderID = *sender
	}
	deleted, err := h.messageRepo.DeleteMessages(c.Request.Context(), forumID, senderID, req.MessageIDs)
	if err != nil {
		h.log.Error("delete_failed", zap.Int64("forum_id", forumID), zap.Error(err))
		h.audit.Emit(c.Request.Context(), requestIDFromContext(c), sender, telemetry.AuditPayload{Level: "ERROR", Text: "delete messages failed", ForumID: forumID})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete messages"})
		return
	}
	if deleted == nil {
		deleted = []int64{}
	}

	observability.AddForumMessages("delete", len(deleted))
	h.audit.Emit(c.Request.Context(), requestIDFromContext(c), sender, telemetry.AuditPayload{Level: "INFO", Text: "messages deleted", ForumID: forumID, Count: len(deleted)})
	c.JSON(http.StatusOK, gin.H{"deletedIds": deleted})
}

func (h *ForumMessageHandler) loadForum(c *gin.Context) (int64, bool) {
	forumID, ok := parseForumID(c)
	if !ok {
		return 0, false
	}
	if _, err := h.forumRepo.GetForum(c.Request.Context(), forumID); err != nil {
		if errors.Is(err, repositories.ErrForumNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "forum not found"})
			return 0, false
		}
		h.log.Error("forum_lookup_failed", zap.Int64("forum_id", forumID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load forum"})
		return 0, false
	}
	return forumID, true
}

func parseForumID(c *gin.Context) (int64, bool) {
	forumID, err := strconv.ParseInt(c.Param("forum_id"), 10, 64)
	if err != nil || forumID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid forum id"})
		return 0, false
	}
	return forumID, true
}
