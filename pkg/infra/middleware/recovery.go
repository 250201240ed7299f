package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// RecoveryConfig defines the config for Recovery middleware.
type RecoveryConfig struct {
	// EnableStackTrace includes stack trace in error response (for development).
	EnableStackTrace bool
}

// Recovery returns a middleware that recovers from panics.
func Recovery() gin.HandlerFunc {
	return RecoveryWithConfig(RecoveryConfig{})
}

// RecoveryWithConfig returns a Recovery middleware with custom config.
// Panics are converted to ErrPanic responses.
func RecoveryWithConfig(config RecoveryConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Errorw("Panic recovered",
					"path", c.Request.URL.Path,
					"request_id", GetRequestID(c),
					"panic", r,
					"stack", string(stack),
				)

				msg := fmt.Sprintf("panic: %v", r)
				if config.EnableStackTrace {
					msg = fmt.Sprintf("panic: %v\n%s", r, stack)
				}
				response.Abort(c, errors.ErrPanic.WithMessage(msg))
			}
		}()
		c.Next()
	}
}
