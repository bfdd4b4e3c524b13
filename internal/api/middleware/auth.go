package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
)

// Auth creates a bearer token middleware. The configured value is a
// bcrypt hash of the shared operator token; the plaintext token never
// touches the config surface. An empty hash disables authentication.
func Auth(cfg config.AuthConfig) gin.HandlerFunc {
	hash := []byte(cfg.TokenHash)
	enabled := len(hash) > 0

	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
				"kind":  "unauthorized",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
				"kind":  "unauthorized",
			})
			return
		}

		c.Next()
	}
}
