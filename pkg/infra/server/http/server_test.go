package http

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	options "github.com/kart-io/studymate/pkg/options/server/http"
)

func TestServer_StartStop(t *testing.T) {
	opts := options.NewOptions()
	opts.Addr = "127.0.0.1:0"
	opts.Mode = gin.TestMode

	s := NewServer(opts)
	s.Engine().GET("/ping", func(c *gin.Context) { c.String(nethttp.StatusOK, "pong") })

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.Addr())

	resp, err := nethttp.Get(fmt.Sprintf("http://%s/ping", s.Addr().String()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
