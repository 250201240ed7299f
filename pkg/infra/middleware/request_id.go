// Package middleware provides gin middleware shared by the HTTP server.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kart-io/studymate/pkg/utils/response"
)

// HeaderXRequestID is the header carrying the request id.
const HeaderXRequestID = "X-Request-ID"

// RequestID returns a middleware that adds a unique request ID to each request.
// An incoming X-Request-ID header is reused when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(response.ContextKeyRequestID, requestID)
		c.Header(HeaderXRequestID, requestID)
		c.Next()
	}
}

// GetRequestID returns the request ID stored on c, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(response.ContextKeyRequestID)
}
