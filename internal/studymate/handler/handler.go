// Package handler provides HTTP handlers for the studymate service.
//
// Every endpoint under /v1 is scoped to the principal named by the
// X-Principal-ID request header. Authentication happens upstream.
package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// HeaderPrincipalID carries the owning principal of a request.
const HeaderPrincipalID = "X-Principal-ID"

const contextKeyPrincipal = "principal_id"

// maxPrincipalLen 与 owner_id 列宽一致。
const maxPrincipalLen = 64

// Principal 要求请求携带 X-Principal-ID 并写入上下文。
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderPrincipalID))
		if id == "" {
			response.Abort(c, errors.ErrUnauthorized.WithMessage("missing "+HeaderPrincipalID+" header"))
			return
		}
		if len(id) > maxPrincipalLen {
			response.Abort(c, errors.ErrInvalidRequest.WithMessagef("%s exceeds %d bytes", HeaderPrincipalID, maxPrincipalLen))
			return
		}
		c.Set(contextKeyPrincipal, id)
		c.Next()
	}
}

// principal 返回当前请求的所属用户。
func principal(c *gin.Context) string {
	return c.GetString(contextKeyPrincipal)
}

// bindJSON 解析请求体，失败时写入错误响应并返回 false。
func bindJSON(c *gin.Context, req interface{}) bool {
	setupValidator()
	if err := c.ShouldBindJSON(req); err != nil {
		response.Fail(c, errors.ErrInvalidRequest.WithMessage(bindingMessage(err)))
		return false
	}
	return true
}

// queryInt 读取非负整数查询参数，缺省时返回 def。
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ErrInvalidRequest.WithMessagef("%s must be a non-negative integer", name)
	}
	return n, nil
}
