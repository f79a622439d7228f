package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tallyd/tallyd/internal/common/logger"
	usermodels "github.com/tallyd/tallyd/internal/user/models"
	userstore "github.com/tallyd/tallyd/internal/user/store"
)

// userContextKey is the gin context key holding the authenticated user.
const userContextKey = "auth_user"

// RequestID assigns each request an id and makes it available to the
// request-scoped logger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// BearerAuth resolves "Authorization: Bearer <token>" to a user account and
// aborts with 401 when the token is missing or unknown. The resolved user is
// available to handlers via UserFromContext.
func BearerAuth(users userstore.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := users.GetUserByToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext returns the user resolved by BearerAuth, or nil when the
// request was not authenticated.
func UserFromContext(c *gin.Context) *usermodels.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*usermodels.User)
	return user
}
