package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/ai"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/qdrant"
	postgresqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/sercha-rag/internal/adapters/driven/redis"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/sqlite"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/core/services"
	"github.com/custodia-labs/sercha-rag/internal/extractors"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// app holds the wired core services and everything that must be closed.
type app struct {
	ingest driving.IngestService
	answer driving.AnswerService
	queue  driven.TaskQueue
	checks []runtime.Check

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// buildApp connects every configured backend and assembles the services.
// On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ===== Infrastructure =====
	var db *postgres.DB
	if cfg.NeedsPostgres() {
		logger.Info("connecting to postgres")
		db, err = postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Store.PostgresURL,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnLifetime,
			ConnMaxIdleTime: time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.onClose(db.Close)
		if err = db.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		a.checks = append(a.checks, runtime.Check{Name: "postgres", Ping: db.Ping})
	}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		logger.Info("connecting to redis")
		opts, perr := redis.ParseURL(cfg.Queue.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("%w: redis url: %v", domain.ErrConfiguration, perr)
		}
		redisClient = redis.NewClient(opts)
		a.onClose(redisClient.Close)
		if err = redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	// ===== Metadata store =====
	var store driven.MetadataStore
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store = postgres.NewStore(db)
	case config.BackendSQLite:
		s, serr := sqlite.NewStore(cfg.Store.SQLiteDir)
		if serr != nil {
			return nil, fmt.Errorf("open sqlite store: %w", serr)
		}
		a.onClose(s.Close)
		store = s
	default:
		store = memory.NewStore()
	}
	a.checks = append(a.checks, runtime.Check{Name: "store", Ping: store.Ping})

	// ===== Vector index =====
	var index driven.VectorIndex
	switch cfg.Index.Backend {
	case config.BackendPGVector:
		index = postgres.NewVectorIndex(db)
	case config.BackendQdrant:
		q, qerr := qdrant.New(cfg.Index.QdrantAddr, cfg.Index.QdrantPrefix)
		if qerr != nil {
			return nil, qerr
		}
		index = q
	default:
		index = memory.NewVectorIndex()
	}
	a.onClose(index.Close)
	a.checks = append(a.checks, runtime.Check{Name: "index", Ping: index.HealthCheck})

	// ===== Task queue =====
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		q, qerr := redisqueue.NewQueue(ctx, redisClient, cfg.Queue.Consumer)
		if qerr != nil {
			return nil, fmt.Errorf("create redis queue: %w", qerr)
		}
		a.queue = q
	case config.BackendPostgres:
		a.queue = postgresqueue.NewQueue(db.DB)
	}
	if a.queue != nil {
		a.onClose(a.queue.Close)
		a.checks = append(a.checks, runtime.Check{Name: "queue", Ping: a.queue.Ping})
	}

	// ===== Ingest lock =====
	var lock driven.DistributedLock
	switch cfg.LockBackend() {
	case config.BackendRedis:
		lock = redisadapter.NewLock(redisClient)
	case config.BackendPostgres:
		lock = postgres.NewAdvisoryLock(db)
	default:
		lock = memory.NewLock()
	}
	a.checks = append(a.checks, runtime.Check{Name: "lock", Ping: lock.Ping})

	// ===== AI services =====
	svcs := runtime.NewServices(domain.NewRuntimeConfig(cfg.Store.Backend, cfg.Index.Backend))
	a.onClose(svcs.Close)
	if err = installAI(ctx, cfg, svcs, logger); err != nil {
		return nil, err
	}
	for _, c := range svcs.Checks() {
		if c.Name == "llm" && cfg.LLM.Provider == "" {
			continue
		}
		a.checks = append(a.checks, c)
	}

	// ===== Core services =====
	chunker, err := postprocessors.NewChunker(postprocessors.ChunkConfig{
		ChunkSize: cfg.Chunking.ChunkSize,
		Overlap:   cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, err
	}

	embedder := services.NewEmbedder(services.EmbedderConfig{
		Services:          svcs,
		Logger:            logger,
		BatchSize:         cfg.Embedding.BatchSize,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	})

	var expander services.QueryExpander
	if cfg.LLM.ExpandQueries {
		expander = services.NewLLMExpander(svcs, logger)
	}
	weight := cfg.Retrieval.RerankWeight
	if weight <= 0 {
		weight = services.DefaultLexicalWeight
	}

	retriever := services.NewRetriever(services.RetrieverConfig{
		Embedder:      embedder,
		Index:         index,
		Store:         store,
		Expander:      expander,
		Reranker:      services.NewLexicalReranker(weight),
		SearchTimeout: cfg.Retrieval.SearchTimeout,
		Logger:        logger,
	})

	templates, err := cfg.Citations.CitationTemplates()
	if err != nil {
		return nil, err
	}
	citations, err := services.NewCitationBuilder(templates)
	if err != nil {
		return nil, err
	}

	a.answer = services.NewAnswerService(services.AnswerServiceConfig{
		Retriever:         retriever,
		Citations:         citations,
		Services:          svcs,
		GenerationTimeout: cfg.Retrieval.GenerationTimeout,
		MaxContextChunks:  cfg.Retrieval.MaxContextChunks,
		Logger:            logger,
	})

	a.ingest = services.NewIngestService(services.IngestServiceConfig{
		Store:      store,
		Index:      index,
		Extractors: extractors.DefaultRegistry(),
		Pipeline:   postprocessors.DefaultPipeline(chunker),
		Embedder:   embedder,
		Queue:      a.queue,
		Lock:       lock,
		LockTTL:    cfg.Lock.TTL,
		Logger:     logger,
	})

	logger.Info("services wired",
		"store", cfg.Store.Backend,
		"index", cfg.Index.Backend,
		"queue", cfg.Queue.Backend,
		"lock", cfg.LockBackend(),
	)
	return a, nil
}

// installAI builds the embedding and generation handles. A backend that
// fails its first health check is still installed so it can recover; the
// failure surfaces through the health report and ErrEmbeddingUnavailable.
func installAI(ctx context.Context, cfg *config.Config, svcs *runtime.Services, logger *slog.Logger) error {
	embedSettings := ai.EmbeddingSettings{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		APIKey:   cfg.Embedding.APIKey,
		BaseURL:  cfg.Embedding.BaseURL,
	}
	embedding, err := ai.NewEmbeddingService(embedSettings)
	if err != nil {
		return err
	}
	if err := svcs.ValidateAndSetEmbedding(ctx, embedding); err != nil {
		logger.Warn("embedding service unavailable at startup", "error", err)
		// ValidateAndSetEmbedding closed the handle, so build a fresh one.
		if embedding, err = ai.NewEmbeddingService(embedSettings); err != nil {
			return err
		}
		svcs.SetEmbeddingService(embedding)
	}

	llmSettings := ai.LLMSettings{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}
	llm, err := ai.NewLLMService(llmSettings)
	if err != nil {
		return err
	}
	if llm == nil {
		logger.Info("no LLM configured, answers will quote retrieved passages")
		return nil
	}
	if err := svcs.ValidateAndSetLLM(ctx, llm); err != nil {
		logger.Warn("llm service unavailable at startup", "error", err)
		if llm, err = ai.NewLLMService(llmSettings); err != nil {
			return err
		}
		svcs.SetLLMService(llm)
	}
	return nil
}
