package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/telemetry"
)

const maxImageBytes = 5 << 20

type groupDirectory interface {
	CreateGroup(ctx context.Context, owner int64, name, description string) (models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error)
	UpdateMetadata(ctx context.Context, actor, groupID int64, fields models.GroupFields) (models.Group, error)
	SetImage(ctx context.Context, actor, groupID int64, data []byte, contentType string) (models.Group, error)
	DeleteGroup(ctx context.Context, actor, groupID int64) error
	TransferOwnership(ctx context.Context, actor, groupID, target int64) (models.Group, error)
	ListMembers(ctx context.Context, groupID int64) ([]models.Membership, error)
	AddMember(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error)
	SetMemberRole(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error)
	RemoveMember(ctx context.Context, actor, groupID, target int64) error
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// GroupHandler manages group and membership endpoints.
type GroupHandler struct {
	directory groupDirectory
	audit     *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(directory groupDirectory, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{directory: directory, audit: audit}
}

// Register wires the group routes onto rg.
func (h *GroupHandler) Register(rg gin.IRoutes) {
	rg.POST("/groups", h.CreateGroup)
	rg.GET("/groups", h.ListGroups)
	rg.GET("/groups/:group_id", h.GetGroup)
	rg.PATCH("/groups/:group_id", h.UpdateGroup)
	rg.DELETE("/groups/:group_id", h.DeleteGroup)
	rg.PUT("/groups/:group_id/image", h.SetImage)
	rg.POST("/groups/:group_id/owner", h.TransferOwnership)
	rg.GET("/groups/:group_id/members", h.ListMembers)
	rg.POST("/groups/:group_id/members", h.AddMember)
	rg.PATCH("/groups/:group_id/members/:user_id", h.SetMemberRole)
	rg.DELETE("/groups/:group_id/members/:user_id", h.RemoveMember)
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	userID := c.GetInt64("userID")

	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}

	group, err := h.directory.CreateGroup(c.Request.Context(), userID, req.Name, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Group created")
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.directory.ListGroupsForUser(c.Request.Context(), c.GetInt64("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetGroup handles GET /groups/:group_id. Members only.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	if !h.requireMember(c, groupID) {
		return
	}
	group, err := h.directory.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// UpdateGroup handles PATCH /groups/:group_id.
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		ImageURL    *string `json:"image_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}

	group, err := h.directory.UpdateMetadata(c.Request.Context(), c.GetInt64("userID"), groupID, models.GroupFields{
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group updated")
	c.JSON(http.StatusOK, group)
}

// DeleteGroup handles DELETE /groups/:group_id. Owner only.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	if err := h.directory.DeleteGroup(c.Request.Context(), c.GetInt64("userID"), groupID); err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group deleted")
	c.Status(http.StatusNoContent)
}

// SetImage handles PUT /groups/:group_id/image with the raw image as body.
func (h *GroupHandler) SetImage(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "image/") {
		h.fail(c, errs.New(errs.ErrInvalidArgument, "content type %q is not an image", contentType))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes))
	if err != nil {
		h.fail(c, errs.New(errs.ErrInvalidArgument, "image exceeds %d bytes", maxImageBytes))
		return
	}

	group, err := h.directory.SetImage(c.Request.Context(), c.GetInt64("userID"), groupID, data, contentType)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group image updated")
	c.JSON(http.StatusOK, group)
}

// TransferOwnership handles POST /groups/:group_id/owner.
func (h *GroupHandler) TransferOwnership(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}

	group, err := h.directory.TransferOwnership(c.Request.Context(), c.GetInt64("userID"), groupID, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group ownership transferred")
	c.JSON(http.StatusOK, group)
}

// ListMembers handles GET /groups/:group_id/members. Members only.
func (h *GroupHandler) ListMembers(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	if !h.requireMember(c, groupID) {
		return
	}
	members, err := h.directory.ListMembers(c.Request.Context(), groupID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// AddMember handles POST /groups/:group_id/members.
func (h *GroupHandler) AddMember(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID int64       `json:"user_id" binding:"required"`
		Role   models.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}

	m, err := h.directory.AddMember(c.Request.Context(), c.GetInt64("userID"), groupID, req.UserID, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group member added")
	c.JSON(http.StatusCreated, m)
}

// SetMemberRole handles PATCH /groups/:group_id/members/:user_id.
func (h *GroupHandler) SetMemberRole(c *gin.Context) {
	groupID, target, ok := memberParams(c)
	if !ok {
		return
	}
	var req struct {
		Role models.Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.Kind(errs.ErrInvalidArgument)})
		return
	}

	m, err := h.directory.SetMemberRole(c.Request.Context(), c.GetInt64("userID"), groupID, target, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group member role changed")
	c.JSON(http.StatusOK, m)
}

// RemoveMember handles DELETE /groups/:group_id/members/:user_id.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	groupID, target, ok := memberParams(c)
	if !ok {
		return
	}
	if err := h.directory.RemoveMember(c.Request.Context(), c.GetInt64("userID"), groupID, target); err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Group member removed")
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) requireMember(c *gin.Context, groupID int64) bool {
	return requireMember(c, h.directory, groupID, h.fail)
}

func (h *GroupHandler) fail(c *gin.Context, err error) {
	if h.audit != nil {
		h.audit.Emit(c.Request.Context(), "ERROR", errs.Kind(err), requestIDFromContext(c), userIDFromContext(c))
	}
	respondError(c, err)
}

func (h *GroupHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}

func groupIDParam(c *gin.Context) (int64, bool) {
	groupID, err := strconv.ParseInt(c.Param("group_id"), 10, 64)
	if err != nil || groupID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id", "kind": errs.Kind(errs.ErrInvalidArgument)})
		return 0, false
	}
	return groupID, true
}

func memberParams(c *gin.Context) (int64, int64, bool) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id", "kind": errs.Kind(errs.ErrInvalidArgument)})
		return 0, 0, false
	}
	return groupID, userID, true
}
