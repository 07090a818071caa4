package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireToken validates the static bearer token. A request with no
// Authorization header at all is forbidden; a header carrying the wrong
// token is unauthorized.
func RequireToken(accessToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Not authenticated",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		token := extractBearerToken(authHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(accessToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid access token",
				"code":  "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireSession extracts the X-SESSION-ID header and stores it in the
// request context for handlers.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetHeader("X-SESSION-ID")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "X-SESSION-ID header is required",
				"code":  "SESSION_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		c.Set("session_id", sessionID)
		c.Next()
	}
}

// GetSessionID returns the session identity stored by RequireSession.
func GetSessionID(c *gin.Context) string {
	sessionID, exists := c.Get("session_id")
	if !exists {
		return ""
	}
	return sessionID.(string)
}

// extractBearerToken strips an optional "Bearer " prefix; a bare token is
// accepted as well.
func extractBearerToken(authHeader string) string {
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return authHeader
}
