package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	options "github.com/kart-io/studymate/pkg/options/redis"
)

func TestNew_Unreachable(t *testing.T) {
	opts := options.NewOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 1
	opts.DialTimeout = 100 * time.Millisecond
	opts.MaxRetries = -1

	_, err := New(context.Background(), opts)
	assert.Error(t, err)
}

func TestNew_Live(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	opts := options.NewOptions()
	opts.Host = host
	opts.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	require.NoError(t, opts.Complete())

	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Latency(context.Background())
	assert.NoError(t, err)
	assert.NotNil(t, c.PoolStats())
}
