package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carelink-backend/pkg/env"
)

// AllowedOrigins returns the set of origins allowed for browsers, from the
// CORS_ALLOWED_ORIGINS env var (comma-separated), defaulting to localhost dev.
func AllowedOrigins() map[string]bool {
	raw := env.GetString("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080")
	origins := make(map[string]bool)
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			origins[origin] = true
		}
	}
	return origins
}

// CORSMiddleware applies CORS headers for the allowed origins
func CORSMiddleware() gin.HandlerFunc {
	allowed := AllowedOrigins()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
