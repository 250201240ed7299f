package middleware

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	o := NewOptions()
	assert.Empty(t, o.Validate())
	assert.True(t, o.Enabled(MiddlewareRequestID))
	assert.False(t, o.Enabled(MiddlewareCORS))

	o.Middleware = nil
	require.NoError(t, o.Complete())
	assert.Equal(t, DefaultMiddleware, o.Middleware)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		errs   int
	}{
		{"未知中间件", func(o *Options) { o.Middleware = append(o.Middleware, "gzip") }, 1},
		{"重复中间件", func(o *Options) { o.Middleware = append(o.Middleware, MiddlewareLogger) }, 1},
		{"未启用的 CORS 不校验", func(o *Options) { o.CORS.AllowCredentials = true }, 0},
		{"通配来源与凭证冲突", func(o *Options) {
			o.Middleware = append(o.Middleware, MiddlewareCORS)
			o.CORS.AllowCredentials = true
		}, 1},
		{"健康检查路径为空", func(o *Options) { o.Health.Path = "" }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.modify(o)
			assert.Len(t, o.Validate(), tt.errs)
		})
	}
}

func TestOptions_Flags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--middleware.enabled=recovery,cors",
		"--middleware.cors.allow-origins=https://study.example.com",
	}))
	assert.Equal(t, []string{MiddlewareRecovery, MiddlewareCORS}, o.Middleware)
	assert.Equal(t, []string{"https://study.example.com"}, o.CORS.AllowOrigins)
	assert.Empty(t, o.Validate())
}
