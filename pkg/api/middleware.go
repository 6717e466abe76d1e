package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDHeader is the trace header read from and echoed to clients.
const requestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key the middleware stores the id under.
const requestIDKey = "request_id"

// requestID returns middleware that adopts the caller's X-Request-ID or
// assigns one, echoes it on the response, and stores it for handlers. The id
// travels on every event the request publishes so orchestrator logs can be
// traced back to the originating call.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestIDFrom returns the request id the middleware stored, or "".
func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}
