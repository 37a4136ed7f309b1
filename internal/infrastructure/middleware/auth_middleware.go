package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meshlink/internal/infrastructure/signal"
	"meshlink/pkg/logger"
)

// AuthMiddleware protects the diagnostics API with the same session
// tokens the signaling channel uses. An empty secret disables the check
// for local development.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		peerID, err := signal.ParseToken(secret, parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(logger.PeerIDContextKey, peerID)
		c.Next()
	}
}
