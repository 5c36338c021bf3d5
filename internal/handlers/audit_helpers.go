package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crew-chat-service/internal/errs"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int64 {
	if val, ok := c.Get("userID"); ok {
		switch userID := val.(type) {
		case int:
			if userID != 0 {
				value := int64(userID)
				return &value
			}
		case int64:
			if userID != 0 {
				value := userID
				return &value
			}
		}
	}

	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := strconv.ParseInt(header, 10, 64); err == nil {
			return &parsed
		}
	}

	return nil
}

// respondError renders err as {"error", "kind"}. Errors without a kind are
// reported generically.
func respondError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && errs.Kind(err) == "internal" {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "kind": errs.Kind(err)})
}

func requireMember(c *gin.Context, members membershipChecker, groupID int64, fail func(*gin.Context, error)) bool {
	ok, err := members.IsMember(c.Request.Context(), groupID, c.GetInt64("userID"))
	if err != nil {
		fail(c, err)
		return false
	}
	if !ok {
		fail(c, errs.New(errs.ErrPermissionDenied, "user is not a member of group %d", groupID))
		return false
	}
	return true
}
