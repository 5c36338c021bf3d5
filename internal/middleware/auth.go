package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crew-chat-service/internal/errs"
)

// Authenticator resolves a bearer token to a stable user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (int64, error)
}

// BearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by browser websocket clients.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware validates the bearer token and stores the user id as "userID".
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization", "kind": errs.Kind(errs.ErrUnauthenticated)})
			return
		}

		userID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": "invalid token", "kind": errs.Kind(err)})
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}
