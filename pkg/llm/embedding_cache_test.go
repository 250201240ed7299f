package llm

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCachedEmbeddingProvider_Disabled(t *testing.T) {
	inner := &mockProvider{name: "m"}
	c := NewCachedEmbeddingProvider(inner, nil, nil)

	out, err := c.Embed(context.Background(), []string{"ab", "c"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, "m-cached", c.Name())
	assert.Equal(t, "mock-embed", c.Model())

	n, err := c.ClearCache(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCachedEmbeddingProvider_HitsOnlyMisses(t *testing.T) {
	rdb := testRedis(t)
	inner := &mockProvider{name: "m"}
	cfg := &EmbeddingCacheConfig{Enabled: true, TTL: time.Minute, KeyPrefix: "studymate:test:" + t.Name() + ":"}
	c := NewCachedEmbeddingProvider(inner, rdb, cfg)
	ctx := context.Background()
	t.Cleanup(func() { _, _ = c.ClearCache(ctx) })

	first, err := c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	second, err := c.Embed(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "only gamma is computed")
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	_, err = c.EmbedSingle(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
