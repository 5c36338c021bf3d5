package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/stream"
	"crew-chat-service/internal/telemetry"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

type messageStream interface {
	SendMessage(ctx context.Context, sender, groupID int64, content string, opts ...stream.SendOption) (models.Message, error)
	GetHistory(ctx context.Context, actor, groupID, since int64, limit int) (*stream.History, error)
}

type presenceRegistry interface {
	Heartbeat(ctx context.Context, groupID, userID int64, sender models.Sender) bool
	Snapshot(ctx context.Context, groupID int64) map[int64]models.PresenceEntry
}

type membershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// MessageHandler serves group history, sending and presence over HTTP.
type MessageHandler struct {
	messages messageStream
	presence presenceRegistry
	members  membershipChecker
	profiles stream.ProfileResolver
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler constructs a MessageHandler. profiles may be nil.
func NewMessageHandler(messages messageStream, presence presenceRegistry, members membershipChecker, profiles stream.ProfileResolver, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		presence: presence,
		members:  members,
		profiles: profiles,
		audit:    audit,
	}
}

// Register wires the message and presence routes onto rg.
func (h *MessageHandler) Register(rg gin.IRoutes) {
	rg.GET("/groups/:group_id/messages", h.GetHistory)
	rg.POST("/groups/:group_id/messages", h.SendMessage)
	rg.GET("/groups/:group_id/presence", h.Presence)
	rg.POST("/groups/:group_id/presence/heartbeat", h.Heartbeat)
}

// GetHistory handles GET /groups/:group_id/messages?since=&limit=.
func (h *MessageHandler) GetHistory(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		respondError(c, errs.New(errs.ErrInvalidArgument, "since must be an integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil {
		respondError(c, errs.New(errs.ErrInvalidArgument, "limit must be an integer"))
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx := c.Request.Context()
	history, err := h.messages.GetHistory(ctx, c.GetInt64("userID"), groupID, since, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := history.Collect(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"oldest":   history.Oldest,
		"last":     history.Last,
	})
}

// SendMessage handles POST /groups/:group_id/messages.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content     string `json:"content" binding:"required"`
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}

	msg, err := h.messages.SendMessage(c.Request.Context(), c.GetInt64("userID"), groupID, req.Content, stream.WithClientMsgID(req.ClientMsgID))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// Presence handles GET /groups/:group_id/presence. Members only.
func (h *MessageHandler) Presence(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	if !requireMember(c, h.members, groupID, h.fail) {
		return
	}

	snapshot := h.presence.Snapshot(c.Request.Context(), groupID)
	online := make([]models.PresenceEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		online = append(online, entry)
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

// Heartbeat handles POST /groups/:group_id/presence/heartbeat for clients
// that poll instead of holding a websocket.
func (h *MessageHandler) Heartbeat(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	if !requireMember(c, h.members, groupID, h.fail) {
		return
	}

	ctx := c.Request.Context()
	userID := c.GetInt64("userID")
	joined := h.presence.Heartbeat(ctx, groupID, userID, h.sender(ctx, userID))
	c.JSON(http.StatusOK, gin.H{"joined": joined})
}

func (h *MessageHandler) sender(ctx context.Context, userID int64) models.Sender {
	if h.profiles == nil {
		return models.UnknownSender(userID)
	}
	profiles, err := h.profiles.Resolve(ctx, []int64{userID})
	if err != nil {
		return models.UnknownSender(userID)
	}
	return models.SenderFrom(userID, profiles)
}

func (h *MessageHandler) fail(c *gin.Context, err error) {
	if h.audit != nil {
		h.audit.Emit(c.Request.Context(), "ERROR", errs.Kind(err), requestIDFromContext(c), userIDFromContext(c))
	}
	respondError(c, err)
}

func (h *MessageHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
