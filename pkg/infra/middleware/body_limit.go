package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// BodyLimit rejects requests whose declared Content-Length exceeds limit and
// caps the body reader for chunked uploads.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			response.Abort(c, errors.ErrRequestTooLarge.WithMessagef("request body exceeds %d bytes", limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
