// Package options contains flags and options for initializing the studymate server.
package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/kart-io/studymate/internal/studymate"
	cliflag "github.com/kart-io/studymate/pkg/app/cliflag"
	"github.com/kart-io/studymate/pkg/infra/tracing"
	cacheopts "github.com/kart-io/studymate/pkg/options/cache"
	dbopts "github.com/kart-io/studymate/pkg/options/database"
	llmopts "github.com/kart-io/studymate/pkg/options/llm"
	logopts "github.com/kart-io/studymate/pkg/options/logger"
	middlewareopts "github.com/kart-io/studymate/pkg/options/middleware"
	milvusopts "github.com/kart-io/studymate/pkg/options/milvus"
	httpopts "github.com/kart-io/studymate/pkg/options/server/http"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
)

// ServerOptions contains the configuration options for the server.
type ServerOptions struct {
	// HTTPOptions contains HTTP server configuration.
	HTTPOptions *httpopts.Options `json:"http" mapstructure:"http"`

	// LogOptions contains logger configuration.
	LogOptions *logopts.Options `json:"log" mapstructure:"log"`

	// TracingOptions contains OpenTelemetry configuration.
	TracingOptions *tracing.Options `json:"tracing" mapstructure:"tracing"`

	// DatabaseOptions contains the relational store configuration.
	DatabaseOptions *dbopts.Options `json:"database" mapstructure:"database"`

	// MilvusOptions is used only when the retrieval index is milvus.
	MilvusOptions *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// CacheOptions contains the embedding cache configuration.
	CacheOptions *cacheopts.Options `json:"cache" mapstructure:"cache"`

	// EmbeddingOptions contains embedding provider configuration.
	EmbeddingOptions *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// ChatOptions contains chat provider configuration.
	ChatOptions *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`

	// StudymateOptions contains the engine configuration.
	StudymateOptions *smopts.Options `json:"studymate" mapstructure:"studymate"`

	// MiddlewareOptions contains HTTP middleware configuration.
	MiddlewareOptions *middlewareopts.Options `json:"middleware" mapstructure:"middleware"`
}

// NewServerOptions creates a ServerOptions instance with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		HTTPOptions:       httpopts.NewOptions(),
		LogOptions:        logopts.NewOptions(),
		TracingOptions:    tracing.NewOptions(),
		DatabaseOptions:   dbopts.NewOptions(),
		MilvusOptions:     milvusopts.NewOptions(),
		CacheOptions:      cacheopts.NewOptions(),
		EmbeddingOptions:  llmopts.NewEmbeddingOptions(),
		ChatOptions:       llmopts.NewChatOptions(),
		StudymateOptions:  smopts.NewOptions(),
		MiddlewareOptions: middlewareopts.NewOptions(),
	}
}

// Flags returns flags for a specific server by section name.
func (o *ServerOptions) Flags() (fss cliflag.NamedFlagSets) {
	o.HTTPOptions.AddFlags(fss.FlagSet("http"))
	o.LogOptions.AddFlags(fss.FlagSet("log"))
	o.TracingOptions.AddFlags(fss.FlagSet("tracing"))
	o.DatabaseOptions.AddFlags(fss.FlagSet("database"))
	o.MilvusOptions.AddFlags(fss.FlagSet("milvus"))
	o.CacheOptions.AddFlags(fss.FlagSet("cache"))
	o.EmbeddingOptions.AddFlags(fss.FlagSet("embedding"), "embedding.")
	o.ChatOptions.AddFlags(fss.FlagSet("chat"), "chat.")
	o.StudymateOptions.AddFlags(fss.FlagSet("studymate"), "studymate.")
	o.MiddlewareOptions.AddFlags(fss.FlagSet("middleware"))
	return fss
}

// Complete completes all the required options.
func (o *ServerOptions) Complete() error {
	if err := o.HTTPOptions.Complete(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := o.LogOptions.Complete(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := o.TracingOptions.Complete(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := o.DatabaseOptions.Complete(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := o.MilvusOptions.Complete(); err != nil {
		return fmt.Errorf("milvus: %w", err)
	}
	if err := o.CacheOptions.Complete(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := o.EmbeddingOptions.Complete(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := o.ChatOptions.Complete(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := o.StudymateOptions.Complete(); err != nil {
		return fmt.Errorf("studymate: %w", err)
	}
	return o.MiddlewareOptions.Complete()
}

// Validate checks whether the options in ServerOptions are valid.
func (o *ServerOptions) Validate() error {
	errs := []error{}

	errs = append(errs, o.HTTPOptions.Validate()...)
	errs = append(errs, o.LogOptions.Validate()...)
	errs = append(errs, o.TracingOptions.Validate()...)
	errs = append(errs, o.DatabaseOptions.Validate()...)
	if o.StudymateOptions.Retrieval.Index == smopts.IndexMilvus {
		errs = append(errs, o.MilvusOptions.Validate()...)
	}
	errs = append(errs, o.CacheOptions.Validate()...)
	errs = append(errs, o.EmbeddingOptions.Validate()...)
	errs = append(errs, o.ChatOptions.Validate()...)
	errs = append(errs, o.StudymateOptions.Validate()...)
	errs = append(errs, o.MiddlewareOptions.Validate()...)

	// 请求体上限需容纳最大上传文件
	if o.MiddlewareOptions.Enabled(middlewareopts.MiddlewareBodyLimit) &&
		o.MiddlewareOptions.BodyLimit.MaxSize < o.StudymateOptions.Ingest.MaxFileSize {
		errs = append(errs, fmt.Errorf("middleware.body-limit.max-size (%d) must not be below studymate.ingest.max-file-size (%d)",
			o.MiddlewareOptions.BodyLimit.MaxSize, o.StudymateOptions.Ingest.MaxFileSize))
	}

	return utilerrors.NewAggregate(errs)
}

// Config builds a studymate.Config based on ServerOptions.
func (o *ServerOptions) Config() (*studymate.Config, error) {
	return &studymate.Config{
		HTTPOptions:       o.HTTPOptions,
		LogOptions:        o.LogOptions,
		TracingOptions:    o.TracingOptions,
		DatabaseOptions:   o.DatabaseOptions,
		MilvusOptions:     o.MilvusOptions,
		CacheOptions:      o.CacheOptions,
		EmbeddingOptions:  o.EmbeddingOptions,
		ChatOptions:       o.ChatOptions,
		StudymateOptions:  o.StudymateOptions,
		MiddlewareOptions: o.MiddlewareOptions,
	}, nil
}
