// Package middleware provides middleware configuration options.
package middleware

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/kart-io/studymate/pkg/options"
)

// 中间件名称常量。
const (
	MiddlewareRecovery  = "recovery"
	MiddlewareRequestID = "request-id"
	MiddlewareTracing   = "tracing"
	MiddlewareLogger    = "logger"
	MiddlewareCORS      = "cors"
	MiddlewareBodyLimit = "body-limit"
)

// DefaultMiddleware 默认启用的中间件及其顺序。
var DefaultMiddleware = []string{
	MiddlewareRecovery,
	MiddlewareRequestID,
	MiddlewareTracing,
	MiddlewareLogger,
	MiddlewareBodyLimit,
}

var _ options.IOptions = (*Options)(nil)

// Options 中间件配置。
// 是否启用中间件由 Middleware 数组控制，数组顺序即应用顺序。
type Options struct {
	// Middleware 指定中间件的应用顺序。
	// 示例: ["recovery", "request-id", "logger", "cors"]
	Middleware []string `json:"middleware" mapstructure:"middleware"`

	Recovery  *RecoveryOptions  `json:"recovery" mapstructure:"recovery"`
	Logger    *LoggerOptions    `json:"logger" mapstructure:"logger"`
	CORS      *CORSOptions      `json:"cors" mapstructure:"cors"`
	BodyLimit *BodyLimitOptions `json:"body-limit" mapstructure:"body-limit"`
	Health    *HealthOptions    `json:"health" mapstructure:"health"`
	Metrics   *MetricsOptions   `json:"metrics" mapstructure:"metrics"`
}

// NewOptions 创建默认中间件选项。
func NewOptions() *Options {
	return &Options{
		Middleware: append([]string(nil), DefaultMiddleware...),
		Recovery:   NewRecoveryOptions(),
		Logger:     NewLoggerOptions(),
		CORS:       NewCORSOptions(),
		BodyLimit:  NewBodyLimitOptions(),
		Health:     NewHealthOptions(),
		Metrics:    NewMetricsOptions(),
	}
}

// Enabled 判断指定中间件是否启用。
func (o *Options) Enabled(name string) bool {
	for _, m := range o.Middleware {
		if m == name {
			return true
		}
	}
	return false
}

// AddFlags adds flags for all middleware options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.Middleware, options.Join(prefixes...)+"middleware.enabled", o.Middleware,
		"Ordered list of enabled middleware (recovery, request-id, tracing, logger, cors, body-limit).")
	o.Recovery.AddFlags(fs, prefixes...)
	o.Logger.AddFlags(fs, prefixes...)
	o.CORS.AddFlags(fs, prefixes...)
	o.BodyLimit.AddFlags(fs, prefixes...)
	o.Health.AddFlags(fs, prefixes...)
	o.Metrics.AddFlags(fs, prefixes...)
}

// Validate validates the middleware options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	seen := make(map[string]bool, len(o.Middleware))
	for _, name := range o.Middleware {
		switch name {
		case MiddlewareRecovery, MiddlewareRequestID, MiddlewareTracing,
			MiddlewareLogger, MiddlewareCORS, MiddlewareBodyLimit:
		default:
			errs = append(errs, fmt.Errorf("middleware: unknown middleware %q", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("middleware: %q listed more than once", name))
		}
		seen[name] = true
	}
	if o.Enabled(MiddlewareCORS) {
		errs = append(errs, o.CORS.Validate()...)
	}
	if o.Enabled(MiddlewareBodyLimit) {
		errs = append(errs, o.BodyLimit.Validate()...)
	}
	errs = append(errs, o.Health.Validate()...)
	errs = append(errs, o.Metrics.Validate()...)
	return errs
}

// Complete completes the middleware options with defaults.
func (o *Options) Complete() error {
	if len(o.Middleware) == 0 {
		o.Middleware = append([]string(nil), DefaultMiddleware...)
	}
	return nil
}
