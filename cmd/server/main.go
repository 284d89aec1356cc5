// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"askdocs-go/internal/chunker"
	"askdocs-go/internal/config"
	"askdocs-go/internal/extractor"
	"askdocs-go/internal/handler"
	"askdocs-go/internal/metadata"
	"askdocs-go/internal/middleware"
	"askdocs-go/internal/pipeline"
	"askdocs-go/internal/repository"
	"askdocs-go/internal/service"
	"askdocs-go/pkg/database"
	"askdocs-go/pkg/embedding"
	"askdocs-go/pkg/es"
	"askdocs-go/pkg/graph"
	"askdocs-go/pkg/kafka"
	"askdocs-go/pkg/llm"
	"askdocs-go/pkg/log"
	"askdocs-go/pkg/storage"
	"askdocs-go/pkg/tika"
	"askdocs-go/pkg/vectorindex"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("ASKDOCS_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库和 Redis（Redis 可选）
	db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	var rdb *redis.Client
	if cfg.Database.Redis.Addr != "" {
		if rdb, err = database.InitRedis(rootCtx, cfg.Database.Redis); err != nil {
			log.Warnf("Redis 不可用，embedding 缓存与任务重试计数退化为进程内实现: %v", err)
			rdb = nil
		}
	}

	// 4. 初始化 Repository
	documentRepo := repository.NewDocumentRepository(db)

	// 5. 初始化 embedding、分块、抽取、元数据与生成后端
	embeddingService := newEmbeddingService(cfg.Embedding, rdb)
	log.Infof("Embedding 后端: %s, 维度: %d", embeddingService.Model(), embeddingService.Dimensions())

	tokenizer, err := chunker.NewTokenizer(cfg.Chunking.Tokenizer)
	if err != nil {
		log.Fatal("分词器初始化失败", err)
	}
	textChunker := chunker.New(
		chunker.WithTokenizer(tokenizer),
		chunker.WithMaxTokens(cfg.Chunking.MaxTokens),
		chunker.WithOverlapTokens(cfg.Chunking.OverlapTokens),
		chunker.WithMinChunkTokens(cfg.Chunking.MinChunkTokens),
	)

	var extractorOpts []extractor.Option
	if cfg.Tika.ServerURL != "" {
		extractorOpts = append(extractorOpts, extractor.WithFallback(tika.NewClient(cfg.Tika)))
		log.Infof("已启用 Tika 兜底解析: %s", cfg.Tika.ServerURL)
	}
	contentExtractor := extractor.New(extractorOpts...)

	generator := newGenerator(cfg)
	var metadataOpts []metadata.Option
	if cfg.Ingestion.AIEnrichment && generator != nil {
		metadataOpts = append(metadataOpts, metadata.WithGenerator(generator))
	}
	metadataExtractor := metadata.New(tokenizer, metadataOpts...)

	// 6. 初始化向量索引
	index, err := newVectorIndex(cfg)
	if err != nil {
		log.Fatal("向量索引初始化失败", err)
	}

	// 7. 初始化对象存储与 Kafka（异步入库可选）
	var (
		objectStore *storage.ObjectStore
		producer    *kafka.Producer
	)
	asyncEnabled := cfg.MinIO.Endpoint != "" && len(kafka.Brokers(cfg.Kafka)) > 0
	if asyncEnabled {
		if objectStore, err = storage.NewObjectStore(rootCtx, cfg.MinIO); err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		producer = kafka.NewProducer(kafka.NewWriter(cfg.Kafka, cfg.Kafka.Topic))
	} else {
		log.Info("未配置 MinIO 或 Kafka，异步入库接口不可用")
	}

	var recorder graph.Recorder = graph.NoopRecorder{}
	if cfg.Graph.Enabled && len(kafka.Brokers(cfg.Kafka)) > 0 {
		recorder = graph.NewKafkaRecorder(kafka.NewWriter(cfg.Kafka, cfg.Graph.Topic))
		log.Infof("知识图谱关系提示投递到主题 %s", cfg.Graph.Topic)
	}

	// 8. 初始化文件处理管道 (Processor)
	deps := pipeline.Deps{
		Extractor: contentExtractor,
		Metadata:  metadataExtractor,
		Chunker:   textChunker,
		Embedder:  embeddingService,
		Index:     index,
		Documents: documentRepo,
		Graph:     recorder,
	}
	if objectStore != nil {
		deps.Blobs = objectStore
	}
	processor := pipeline.NewProcessor(deps,
		pipeline.WithMaxConcurrent(cfg.Ingestion.MaxConcurrent),
		pipeline.WithProgressTracker(pipeline.NewProgressTracker(cfg.Ingestion.ProgressRetention)),
	)

	// 9. 初始化 Service (依赖注入)
	var documentService service.DocumentService
	if asyncEnabled {
		documentService = service.NewDocumentService(processor, documentRepo, objectStore, producer)
	} else {
		documentService = service.NewDocumentService(processor, documentRepo, nil, nil)
	}
	queryService := service.NewQueryService(service.QueryDeps{
		Embedder:  embeddingService,
		Index:     index,
		Documents: documentRepo,
		Generator: generator,
	}, cfg.Query, cfg.LLM)

	// 10. 启动后台 Kafka 消费者
	consumerDone := make(chan struct{})
	if asyncEnabled {
		var attempts kafka.AttemptCounter = kafka.NewMemoryAttempts()
		if rdb != nil {
			attempts = kafka.NewRedisAttempts(rdb)
		}
		go func() {
			defer close(consumerDone)
			kafka.StartConsumer(rootCtx, kafka.NewReader(cfg.Kafka), processor, attempts)
		}()
	} else {
		close(consumerDone)
	}

	// 11. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})

	// 12. 注册路由
	documentHandler := handler.NewDocumentHandler(documentService, processor.Progress())
	queryHandler := handler.NewQueryHandler(queryService)
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.RequireOrganization())
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("", documentHandler.Ingest)
			documents.POST("/async", documentHandler.Enqueue)
			documents.GET("/:documentId", documentHandler.GetDocument)
			documents.DELETE("/:documentId", documentHandler.DeleteDocument)
			documents.GET("/:documentId/progress", documentHandler.GetProgress)
			documents.GET("/:documentId/progress/ws", documentHandler.StreamProgress)
		}
		apiV1.POST("/query", queryHandler.Query)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个10秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者，等待当前任务结束
	stop()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		log.Warnf("等待 Kafka 消费者退出超时")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("服务已优雅关闭")
}

// newEmbeddingService 根据配置选择 embedding 后端与缓存。
func newEmbeddingService(cfg config.EmbeddingConfig, rdb *redis.Client) *embedding.Service {
	var backend embedding.Backend
	switch cfg.Provider {
	case "ollama":
		backend = embedding.NewOllamaBackend(embedding.OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	default:
		backend = embedding.NewOpenAIBackend(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	}

	var cache embedding.Cache
	switch {
	case cfg.Cache.Backend == "none":
		cache = embedding.NopCache{}
	case cfg.Cache.Backend == "redis" && rdb != nil:
		cache = embedding.NewRedisCache(rdb, cfg.Cache.TTL)
	default:
		cache = embedding.NewMemoryCache(cfg.Cache.TTL)
	}

	return embedding.NewService(backend, cache,
		embedding.WithBatchSize(cfg.BatchSize),
		embedding.WithMaxConcurrency(cfg.MaxConcurrency),
		embedding.WithRetry(cfg.MaxAttempts, cfg.BackoffMin, cfg.BackoffMax),
	)
}

// newGenerator 组装生成后端链：OpenAI 兼容接口优先，Anthropic 备用。都未配置时返回 nil。
func newGenerator(cfg config.Config) llm.Generator {
	var generators []llm.Generator
	if cfg.LLM.BaseURL != "" && cfg.LLM.Model != "" {
		generators = append(generators, llm.NewClient(cfg.LLM))
	}
	if anthropic := llm.NewAnthropicGenerator(cfg.Anthropic); anthropic != nil {
		generators = append(generators, anthropic)
	}
	if len(generators) == 0 {
		log.Info("未配置生成模型，查询只返回模板回答")
		return nil
	}
	chain := llm.NewChain(generators...)
	log.Infof("生成后端: %s", chain.Name())
	return chain
}

// newVectorIndex 根据配置创建 Elasticsearch 或本地文件向量索引。
func newVectorIndex(cfg config.Config) (vectorindex.Index, error) {
	switch cfg.VectorStore.Backend {
	case "local":
		log.Infof("使用本地向量索引, 目录: %s", cfg.VectorStore.DataDir)
		return vectorindex.NewLocalIndex(cfg.VectorStore.DataDir)
	default:
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		log.Infof("使用 Elasticsearch 向量索引, 前缀: %s", cfg.Elasticsearch.IndexPrefix)
		return vectorindex.NewElasticIndex(client, vectorindex.ElasticConfig{
			IndexPrefix: cfg.Elasticsearch.IndexPrefix,
			BatchSize:   cfg.Elasticsearch.BatchSize,
			Workers:     cfg.Elasticsearch.Workers,
		}), nil
	}
}
