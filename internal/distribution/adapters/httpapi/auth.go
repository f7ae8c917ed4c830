package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerAuth requires "Authorization: Bearer <token>" to match apiKey.
// An empty apiKey disables the check entirely, per spec §4.8's "optional,
// provided as config".
func bearerAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
