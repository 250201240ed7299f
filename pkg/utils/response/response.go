// Package response provides the unified JSON envelope for HTTP APIs.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/pkg/utils/errors"
)

// ContextKeyRequestID is the gin context key holding the request id.
const ContextKeyRequestID = "request_id"

// Response is the unified API response structure.
type Response struct {
	// Code is the business error code (0 = success)
	Code int `json:"code"`

	// HTTPCode is the HTTP status code (optional, for client convenience)
	HTTPCode int `json:"http_code,omitempty"`

	// Message is a human-readable message
	Message string `json:"message"`

	// Retryable tells the caller a transient failure may succeed on retry.
	Retryable bool `json:"retryable,omitempty"`

	// Data contains the response payload (nil for errors)
	Data interface{} `json:"data,omitempty"`

	// RequestID is the unique request identifier for tracing
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is the response timestamp (Unix milliseconds)
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Success creates a successful response with data.
func Success(data interface{}) *Response {
	return &Response{
		Code:     0,
		HTTPCode: http.StatusOK,
		Message:  "success",
		Data:     data,
	}
}

// Err creates an error response from an Errno.
func Err(e *errors.Errno) *Response {
	if e == nil {
		return Success(nil)
	}
	return &Response{
		Code:      e.Code,
		HTTPCode:  e.HTTPStatus(),
		Message:   e.MessageEN,
		Retryable: errors.IsRetryable(e),
	}
}

// HTTPStatus returns the HTTP status for r, looking up the errno registry
// when HTTPCode is unset.
func (r *Response) HTTPStatus() int {
	if r.HTTPCode != 0 {
		return r.HTTPCode
	}
	if r.Code == 0 {
		return http.StatusOK
	}
	if e, ok := errors.Lookup(r.Code); ok {
		return e.HTTPStatus()
	}

	switch errors.GetCategory(r.Code) {
	case errors.CategoryRequest:
		return http.StatusBadRequest
	case errors.CategoryAuth:
		return http.StatusUnauthorized
	case errors.CategoryPermission:
		return http.StatusForbidden
	case errors.CategoryResource:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Response) stamp(c *gin.Context) *Response {
	r.RequestID = c.GetString(ContextKeyRequestID)
	r.Timestamp = time.Now().UnixMilli()
	return r
}

// OK writes data wrapped in a success envelope.
func OK(c *gin.Context, data interface{}) {
	r := Success(data).stamp(c)
	c.JSON(r.HTTPStatus(), r)
}

// Fail writes err as an error envelope. Errors that are not an Errno are
// reported as internal errors.
func Fail(c *gin.Context, err error) {
	r := Err(errors.FromError(err)).stamp(c)
	c.JSON(r.HTTPStatus(), r)
}

// Abort writes err like Fail and stops the handler chain.
func Abort(c *gin.Context, err error) {
	r := Err(errors.FromError(err)).stamp(c)
	c.AbortWithStatusJSON(r.HTTPStatus(), r)
}

// Accepted writes data in a success envelope with 202 Accepted, used when
// work continues in the background.
func Accepted(c *gin.Context, data interface{}) {
	r := Success(data)
	r.HTTPCode = http.StatusAccepted
	r.stamp(c)
	c.JSON(r.HTTPCode, r)
}
