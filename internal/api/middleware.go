package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flavourstalk/chat-core/internal/auth"
)

// userKey is the context key the auth middleware stores the user id under.
const userKey = "user_id"

// AuthMiddleware validates the bearer token and stores the user id on the
// request context. Requests without a valid token are rejected with 401.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.FromHeader(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		uid, err := verifier.UserID(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userKey, uid)
		c.Next()
	}
}

// userID returns the authenticated user id set by AuthMiddleware.
func userID(c *gin.Context) string {
	return c.GetString(userKey)
}
