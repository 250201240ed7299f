package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kart-io/studymate/pkg/llm"
	llmopts "github.com/kart-io/studymate/pkg/options/llm"
)

// Config 韧性包装配置。
type Config struct {
	Retry   *RetryConfig
	Breaker *CircuitBreakerConfig
	// RateLimit 每秒请求数，0 表示不限速。
	RateLimit float64
	RateBurst int
}

// ConfigFromOptions 由供应商配置构建韧性配置。
func ConfigFromOptions(o *llmopts.ProviderOptions) *Config {
	retry := DefaultRetryConfig()
	if o.MaxRetries > 0 {
		retry.MaxAttempts = o.MaxRetries
	}
	breaker := DefaultCircuitBreakerConfig()
	if o.BreakerThreshold > 0 {
		breaker.MaxFailures = o.BreakerThreshold
	}
	if o.BreakerTimeout > 0 {
		breaker.Timeout = o.BreakerTimeout
	}
	return &Config{Retry: retry, Breaker: breaker, RateLimit: o.RateLimit, RateBurst: o.RateBurst}
}

func (c *Config) complete() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryConfig()
	}
	if c.Breaker == nil {
		c.Breaker = DefaultCircuitBreakerConfig()
	}
	return c
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type guard struct {
	retry   *RetryConfig
	cb      *CircuitBreaker
	limiter *rate.Limiter
}

func newGuard(name string, cfg *Config) guard {
	cfg = cfg.complete()
	return guard{
		retry:   cfg.Retry,
		cb:      NewCircuitBreaker(name, cfg.Breaker),
		limiter: newLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

func (g guard) do(ctx context.Context, fn func() error) error {
	return RetryWithCircuitBreaker(ctx, g.retry, g.cb, func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn()
	})
}

// ResilientEmbeddingProvider 带韧性功能的 Embedding Provider 包装器。
type ResilientEmbeddingProvider struct {
	provider llm.EmbeddingProvider
	guard
}

// NewResilientEmbeddingProvider 创建带重试、熔断和限速的 Embedding Provider。
func NewResilientEmbeddingProvider(provider llm.EmbeddingProvider, cfg *Config) *ResilientEmbeddingProvider {
	return &ResilientEmbeddingProvider{
		provider: provider,
		guard:    newGuard(provider.Name()+"-embed", cfg),
	}
}

// Embed 为多个文本生成向量嵌入。
func (r *ResilientEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := r.do(ctx, func() error {
		var err error
		result, err = r.provider.Embed(ctx, texts)
		return err
	})
	return result, err
}

// EmbedSingle 为单个文本生成向量嵌入。
func (r *ResilientEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := r.do(ctx, func() error {
		var err error
		result, err = r.provider.EmbedSingle(ctx, text)
		return err
	})
	return result, err
}

// Model 返回底层嵌入模型。
func (r *ResilientEmbeddingProvider) Model() string {
	return r.provider.Model()
}

// Name 返回供应商名称。
func (r *ResilientEmbeddingProvider) Name() string {
	return r.provider.Name() + "-resilient"
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientEmbeddingProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// ResilientChatProvider 带韧性功能的 Chat Provider 包装器。
type ResilientChatProvider struct {
	provider llm.ChatProvider
	guard
}

// NewResilientChatProvider 创建带重试、熔断和限速的 Chat Provider。
func NewResilientChatProvider(provider llm.ChatProvider, cfg *Config) *ResilientChatProvider {
	return &ResilientChatProvider{
		provider: provider,
		guard:    newGuard(provider.Name()+"-chat", cfg),
	}
}

// Chat 进行多轮对话。
func (r *ResilientChatProvider) Chat(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) (string, error) {
	var result string
	err := r.do(ctx, func() error {
		var err error
		result, err = r.provider.Chat(ctx, messages, opts...)
		return err
	})
	return result, err
}

// Generate 根据提示生成文本。
func (r *ResilientChatProvider) Generate(ctx context.Context, prompt string, systemPrompt string, opts ...llm.CallOption) (string, error) {
	var result string
	err := r.do(ctx, func() error {
		var err error
		result, err = r.provider.Generate(ctx, prompt, systemPrompt, opts...)
		return err
	})
	return result, err
}

// ChatStream 流式对话。只有在尚未输出任何增量时才会重试；
// 底层不支持流式时退化为一次 Chat 调用并整体输出。
func (r *ResilientChatProvider) ChatStream(ctx context.Context, messages []llm.Message, onDelta func(string) error, opts ...llm.CallOption) (string, error) {
	sp, ok := r.provider.(llm.StreamChatProvider)
	if !ok {
		full, err := r.Chat(ctx, messages, opts...)
		if err != nil {
			return "", err
		}
		return full, onDelta(full)
	}

	var (
		result  string
		emitted bool
		sinkErr error
	)
	err := RetryWithCircuitBreaker(ctx, r.streamRetry(&emitted), r.cb, func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var err error
		result, err = sp.ChatStream(ctx, messages, func(delta string) error {
			emitted = true
			if err := onDelta(delta); err != nil {
				sinkErr = err
				return err
			}
			return nil
		}, opts...)
		return err
	})
	if sinkErr != nil {
		return result, sinkErr
	}
	return result, err
}

func (r *ResilientChatProvider) streamRetry(emitted *bool) *RetryConfig {
	cfg := *r.retry
	base := cfg.RetryableErrors
	if base == nil {
		base = IsRetryableError
	}
	cfg.RetryableErrors = func(err error) bool {
		return !*emitted && base(err)
	}
	return &cfg
}

// Name 返回供应商名称。
func (r *ResilientChatProvider) Name() string {
	return r.provider.Name() + "-resilient"
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientChatProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

var (
	_ llm.EmbeddingProvider  = (*ResilientEmbeddingProvider)(nil)
	_ llm.StreamChatProvider = (*ResilientChatProvider)(nil)
)

// IsRetryableError 判断错误是否可重试。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// 熔断器打开、上下文取消不可重试
	if errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		default:
			return statusErr.StatusCode >= 500
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "connection reset")
}
