package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders returns middleware that sets standard security response headers.
// When production is true, HSTS and CSP headers are also included.
func SecurityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			c.Header("Content-Security-Policy", "default-src 'self'")
		}

		c.Next()
	}
}
