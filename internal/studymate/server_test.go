package studymate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kart-io/studymate/pkg/infra/middleware"
	middlewareopts "github.com/kart-io/studymate/pkg/options/middleware"
)

func TestBuildMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	opts := middlewareopts.NewOptions()
	assert.Len(t, BuildMiddleware(opts), len(middlewareopts.DefaultMiddleware))

	opts.Middleware = []string{middlewareopts.MiddlewareRecovery, middlewareopts.MiddlewareRequestID, middlewareopts.MiddlewareBodyLimit}
	opts.BodyLimit.MaxSize = 16

	engine := gin.New()
	engine.Use(BuildMiddleware(opts)...)
	engine.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusNoContent)
	})
	engine.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("short")))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID))

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
