package middleware

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

// BodyLimitOptions 定义请求体大小限制中间件的配置选项。
type BodyLimitOptions struct {
	// MaxSize 最大请求体大小（字节），需容纳最大上传文件与 multipart 开销。
	MaxSize int64 `json:"max-size" mapstructure:"max-size"`
}

// NewBodyLimitOptions 创建默认的 BodyLimit 中间件配置。
func NewBodyLimitOptions() *BodyLimitOptions {
	return &BodyLimitOptions{
		MaxSize: 21 * 1024 * 1024, // 21MB
	}
}

// AddFlags 添加 BodyLimit 配置的命令行标志。
func (o *BodyLimitOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.Int64Var(&o.MaxSize, options.Join(prefixes...)+"middleware.body-limit.max-size", o.MaxSize, "Maximum request body size in bytes.")
}

// Validate 验证 BodyLimit 配置的有效性。
func (o *BodyLimitOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if o.MaxSize <= 0 {
		return []error{errors.New("body-limit: MaxSize must be greater than 0")}
	}
	return nil
}
