package response

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/json"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestFail_Errno(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set(ContextKeyRequestID, "req-1")

	Fail(c, fmt.Errorf("ask: %w", errors.ErrGenerationUnavailable))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrGenerationUnavailable.Code, body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestFail_PlainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Fail(c, fmt.Errorf("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrInternal.Code, body.Code)
	assert.False(t, body.Retryable)
}

func TestOK(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	OK(c, map[string]int{"n": 1})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"n":1`)
}

func TestHTTPStatus_CategoryFallback(t *testing.T) {
	r := &Response{Code: errors.MakeCode(99, errors.CategoryConflict, 999)}
	assert.Equal(t, http.StatusConflict, r.HTTPStatus())
	assert.Equal(t, http.StatusOK, (&Response{}).HTTPStatus())
}
