// Package studymate provides the studymate service server implementation.
package studymate

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/pkg/extract"
	"github.com/kart-io/studymate/internal/studymate/biz"
	"github.com/kart-io/studymate/internal/studymate/handler"
	"github.com/kart-io/studymate/internal/studymate/index"
	"github.com/kart-io/studymate/internal/studymate/router"
	"github.com/kart-io/studymate/internal/studymate/store"
	"github.com/kart-io/studymate/pkg/component"
	"github.com/kart-io/studymate/pkg/component/database"
	"github.com/kart-io/studymate/pkg/component/milvus"
	"github.com/kart-io/studymate/pkg/component/redis"
	"github.com/kart-io/studymate/pkg/infra/app"
	"github.com/kart-io/studymate/pkg/infra/middleware"
	"github.com/kart-io/studymate/pkg/infra/pool"
	"github.com/kart-io/studymate/pkg/infra/server"
	httpserver "github.com/kart-io/studymate/pkg/infra/server/http"
	"github.com/kart-io/studymate/pkg/infra/tracing"
	"github.com/kart-io/studymate/pkg/llm"
	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/studymate/pkg/llm/ollama"
	_ "github.com/kart-io/studymate/pkg/llm/openai"
	"github.com/kart-io/studymate/pkg/llm/resilience"
	cacheopts "github.com/kart-io/studymate/pkg/options/cache"
	dbopts "github.com/kart-io/studymate/pkg/options/database"
	llmopts "github.com/kart-io/studymate/pkg/options/llm"
	logopts "github.com/kart-io/studymate/pkg/options/logger"
	middlewareopts "github.com/kart-io/studymate/pkg/options/middleware"
	milvusopts "github.com/kart-io/studymate/pkg/options/milvus"
	httpopts "github.com/kart-io/studymate/pkg/options/server/http"
	smopts "github.com/kart-io/studymate/pkg/options/studymate"
)

// Name is the name of the application.
const Name = "studymate"

// poolReleaseTimeout bounds how long shutdown waits for running ingestion tasks.
const poolReleaseTimeout = 30 * time.Second

// Config contains application-related configurations.
type Config struct {
	HTTPOptions       *httpopts.Options
	LogOptions        *logopts.Options
	TracingOptions    *tracing.Options
	DatabaseOptions   *dbopts.Options
	MilvusOptions     *milvusopts.Options
	CacheOptions      *cacheopts.Options
	EmbeddingOptions  *llmopts.ProviderOptions
	ChatOptions       *llmopts.ProviderOptions
	StudymateOptions  *smopts.Options
	MiddlewareOptions *middlewareopts.Options
}

// Server represents the studymate server.
type Server struct {
	srv *server.Manager
}

// providers 组装好的模型供应商。
type providers struct {
	embed llm.EmbeddingProvider
	chat  llm.ChatProvider
}

// NewServer initializes and returns a new Server instance.
func (cfg *Config) NewServer(ctx context.Context) (*Server, error) {
	printBanner(cfg)

	// 1. 初始化日志
	if err := cfg.LogOptions.Init(Name, app.GetVersion()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting studymate service...")

	mgr := server.NewManager(cfg.HTTPOptions.ShutdownTimeout)
	ok := false
	// 初始化中途失败时释放已创建的资源
	defer func() {
		if !ok {
			_ = mgr.Stop(context.Background())
		}
	}()

	// 2. 初始化链路追踪
	if cfg.TracingOptions.ServiceName == "" {
		cfg.TracingOptions.ServiceName = Name
	}
	cfg.TracingOptions.ServiceVersion = app.GetVersion()
	tracerProvider, err := tracing.NewProvider(ctx, cfg.TracingOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	mgr.OnShutdown(tracerProvider.Shutdown)
	logger.Infow("Tracing initialized", "enabled", cfg.TracingOptions.Enabled)

	// 3. 初始化数据库与 Store 层
	dbClient, err := database.New(ctx, cfg.DatabaseOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	mgr.OnShutdown(func(context.Context) error { return dbClient.Close() })

	ds := store.New(dbClient.DB())
	if cfg.DatabaseOptions.AutoMigrate {
		if err := ds.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	logger.Infow("Store initialized", "driver", cfg.DatabaseOptions.Driver)
	clients := []component.Client{dbClient}

	// 4. 初始化 LLM 供应商（韧性包装 + 可选的 Redis 嵌入缓存）
	p, redisClient, err := cfg.newProviders(ctx)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		mgr.OnShutdown(func(context.Context) error { return redisClient.Close() })
		clients = append(clients, redisClient)
	}

	// 5. 初始化向量索引
	idx, milvusClient, err := cfg.newIndex(ctx)
	if err != nil {
		return nil, err
	}
	if milvusClient != nil {
		mgr.OnShutdown(milvusClient.Close)
		clients = append(clients, milvusClient)
	}

	// 6. 初始化工作池
	pools := pool.NewManager()
	mgr.OnShutdown(func(context.Context) error { return pools.ReleaseAll(poolReleaseTimeout) })
	opts := cfg.StudymateOptions
	ingestPool, err := pools.Register(pool.IngestPool, pool.IngestPoolConfig(opts.Ingest.Documents))
	if err != nil {
		return nil, err
	}
	chunkPool, err := pools.Register(pool.ChunkPool, pool.ChunkPoolConfig(opts.Ingest.Workers))
	if err != nil {
		return nil, err
	}
	bgPool, err := pools.Register(pool.BackgroundPool, pool.BackgroundPoolConfig())
	if err != nil {
		return nil, err
	}

	// 7. 初始化 Biz 层
	retriever := biz.NewRetriever(ds.Documents(), ds.Chunks(), idx, p.embed, &biz.RetrieverConfig{
		TopK:       opts.Retrieval.TopK,
		MaxK:       opts.Retrieval.MaxK,
		CoarseDocs: opts.Retrieval.CoarseDocs,
	})
	memory := biz.NewMemory(ds.Sessions(), ds.Messages(), p.chat, bgPool, &biz.MemoryConfig{
		SummarizeThreshold: opts.Memory.SummarizeThreshold,
		KeepRecent:         opts.Memory.KeepRecent,
		ContextBudget:      opts.Memory.ContextBudget,
		Mode:               opts.Memory.Mode,
	})
	tracker := biz.NewQuizTracker(ds.Quizzes(), p.embed, opts.Quiz.NearDuplicateThreshold)
	enricher := biz.NewEnricher(p.chat, &biz.EnricherConfig{
		Enabled:             opts.Enrich.Enabled,
		MaxContextSentences: opts.Enrich.MaxContextSentences,
		SynopsisMaxChars:    opts.Enrich.SynopsisMaxChars,
	})
	chunker := biz.NewChunker(&biz.ChunkerConfig{
		ChunkSize:    opts.Chunk.Size,
		OverlapRatio: opts.Chunk.OverlapRatio,
		MinTokens:    opts.Chunk.MinTokens,
	})
	ingestor := biz.NewIngestor(ds.Documents(), ds.Chunks(), idx, extract.New(), chunker, enricher,
		p.embed, ingestPool, chunkPool, &biz.IngestConfig{
			MaxFileSize:  opts.Ingest.MaxFileSize,
			AllowedTypes: opts.Ingest.AllowedTypes,
		})
	orchestrator := biz.NewOrchestrator(ds.Documents(), ds.Chunks(), retriever, memory, tracker, p.chat,
		&biz.OrchestratorConfig{
			AnswerMaxTokens:  opts.Generation.AnswerMaxTokens,
			RequestTimeout:   opts.Generation.RequestTimeout,
			ExpandContext:    opts.Generation.ExpandContext,
			QuizMaxRounds:    opts.Quiz.MaxRounds,
			QuizSampleChunks: opts.Quiz.SampleChunks,
			QuizMaxCount:     opts.Quiz.MaxCount,
		})
	logger.Info("Biz layer initialized")

	// 8. 恢复上次退出时中断的摄取与压缩，进程内索引从数据库恢复向量
	if _, err := ingestor.RecoverInterrupted(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted documents: %w", err)
	}
	if _, err := memory.RecoverInterrupted(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted sessions: %w", err)
	}
	if opts.Retrieval.Index == smopts.IndexMemory {
		n, err := ingestor.Rebuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild index: %w", err)
		}
		logger.Infow("In-memory index rebuilt", "entries", n)
	}

	// 9. 初始化 Handler 层
	mw := cfg.MiddlewareOptions
	handlers := &router.Handlers{
		Document: handler.NewDocumentHandler(ingestor, opts.Ingest.MaxFileSize),
		Search:   handler.NewSearchHandler(retriever),
		Chat:     handler.NewChatHandler(orchestrator, memory),
		Quiz:     handler.NewQuizHandler(orchestrator),
		System:   handler.NewSystemHandler(ingestor, pools, mw.Metrics.Namespace, mw.Metrics.Subsystem, clients...),
	}

	// 10. 初始化 HTTP 服务器并注册路由
	httpSrv := httpserver.NewServer(cfg.HTTPOptions, BuildMiddleware(mw)...)
	router.Register(httpSrv.Engine(), handlers, router.Paths{
		Health:  mw.Health.Path,
		Ready:   mw.Health.ReadinessPath,
		Metrics: mw.Metrics.Path,
	})
	mgr.AddServer(httpSrv)

	logger.Info("studymate service is ready")
	ok = true
	return &Server{srv: mgr}, nil
}

// Run starts the server and blocks until ctx is cancelled or a termination
// signal arrives.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx)
}

// newProviders 创建嵌入与对话供应商。Redis 不可用时退化为无缓存。
func (cfg *Config) newProviders(ctx context.Context) (*providers, *redis.Client, error) {
	embedProvider, err := llm.NewEmbeddingProvider(cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.ToConfigMap())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	var embed llm.EmbeddingProvider = resilience.NewResilientEmbeddingProvider(embedProvider,
		resilience.ConfigFromOptions(cfg.EmbeddingOptions))
	logger.Infow("Embedding provider initialized",
		"provider", cfg.EmbeddingOptions.Provider,
		"model", cfg.EmbeddingOptions.Model,
	)

	chatProvider, err := llm.NewChatProvider(cfg.ChatOptions.Provider, cfg.ChatOptions.ToConfigMap())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}
	chat := resilience.NewResilientChatProvider(chatProvider, resilience.ConfigFromOptions(cfg.ChatOptions))
	logger.Infow("Chat provider initialized",
		"provider", cfg.ChatOptions.Provider,
		"model", cfg.ChatOptions.Model,
	)

	if !cfg.CacheOptions.Enabled {
		logger.Info("Embedding cache is disabled")
		return &providers{embed: embed, chat: chat}, nil, nil
	}

	redisClient, err := redis.New(ctx, cfg.CacheOptions.Redis)
	if err != nil {
		logger.Warnw("failed to connect to redis, embedding cache will be disabled", "error", err.Error())
		return &providers{embed: embed, chat: chat}, nil, nil
	}
	embed = llm.NewCachedEmbeddingProvider(embed, redisClient.Client(), &llm.EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       cfg.CacheOptions.TTL,
		KeyPrefix: cfg.CacheOptions.KeyPrefix,
	})
	logger.Infow("Redis embedding cache initialized",
		"addr", cfg.CacheOptions.Redis.Addr(),
		"ttl", cfg.CacheOptions.TTL,
	)
	return &providers{embed: embed, chat: chat}, redisClient, nil
}

// newIndex 按配置选择向量索引后端。
func (cfg *Config) newIndex(ctx context.Context) (index.Index, *milvus.Client, error) {
	opts := cfg.StudymateOptions.Retrieval
	if opts.Index != smopts.IndexMilvus {
		logger.Infow("Vector index initialized", "backend", smopts.IndexMemory, "partitions", opts.Partitions)
		return index.NewMemory(opts.Partitions), nil, nil
	}

	client, err := milvus.New(ctx, cfg.MilvusOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize milvus: %w", err)
	}
	logger.Infow("Vector index initialized",
		"backend", smopts.IndexMilvus,
		"address", cfg.MilvusOptions.Address,
		"collection", cfg.MilvusOptions.Collection,
	)
	return index.NewMilvus(client, cfg.MilvusOptions.Collection), client, nil
}

// BuildMiddleware 按配置顺序构建全局中间件。
func BuildMiddleware(opts *middlewareopts.Options) []gin.HandlerFunc {
	chain := make([]gin.HandlerFunc, 0, len(opts.Middleware))
	for _, name := range opts.Middleware {
		switch name {
		case middlewareopts.MiddlewareRecovery:
			chain = append(chain, middleware.RecoveryWithConfig(middleware.RecoveryConfig{
				EnableStackTrace: opts.Recovery.EnableStackTrace,
			}))
		case middlewareopts.MiddlewareRequestID:
			chain = append(chain, middleware.RequestID())
		case middlewareopts.MiddlewareTracing:
			chain = append(chain, middleware.Tracing())
		case middlewareopts.MiddlewareLogger:
			chain = append(chain, middleware.LoggerWithConfig(middleware.LoggerConfig{
				SkipPaths: opts.Logger.SkipPaths,
			}))
		case middlewareopts.MiddlewareCORS:
			chain = append(chain, middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins:     opts.CORS.AllowOrigins,
				AllowMethods:     opts.CORS.AllowMethods,
				AllowHeaders:     opts.CORS.AllowHeaders,
				AllowCredentials: opts.CORS.AllowCredentials,
				MaxAge:           opts.CORS.MaxAge,
			}))
		case middlewareopts.MiddlewareBodyLimit:
			chain = append(chain, middleware.BodyLimit(opts.BodyLimit.MaxSize))
		}
	}
	return chain
}

func printBanner(cfg *Config) {
	fmt.Printf("Starting %s...\n", Name)
	fmt.Printf("  Embedding: %s (%s)\n", cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.Model)
	fmt.Printf("  Chat: %s (%s)\n", cfg.ChatOptions.Provider, cfg.ChatOptions.Model)
	fmt.Printf("  Store: %s, Index: %s\n", cfg.DatabaseOptions.Driver, cfg.StudymateOptions.Retrieval.Index)
	fmt.Printf("  Enabled Middlewares: %v\n", cfg.MiddlewareOptions.Middleware)
}
