// Package config loads runtime configuration: built-in defaults, then an
// optional YAML file named by SERCHA_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendPGVector = "pgvector"
	BackendQdrant   = "qdrant"
	BackendRedis    = "redis"
	BackendNone     = "none"
	BackendAuto     = "auto"
)

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type StoreConfig struct {
	Backend      string        `yaml:"backend"` // memory, postgres, sqlite
	PostgresURL  string        `yaml:"postgres_url"`
	SQLiteDir    string        `yaml:"sqlite_dir"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

type IndexConfig struct {
	Backend      string `yaml:"backend"` // memory, pgvector, qdrant
	QdrantAddr   string `yaml:"qdrant_addr"`
	QdrantPrefix string `yaml:"qdrant_prefix"`
}

// QueueConfig selects asynchronous ingestion. With backend none documents
// are processed inline.
type QueueConfig struct {
	Backend  string `yaml:"backend"` // none, redis, postgres
	RedisURL string `yaml:"redis_url"`
	Consumer string `yaml:"consumer"`
}

// LockConfig selects the per-document ingest lock. Auto picks redis when a
// redis URL is set, postgres when the store is postgres, memory otherwise.
type LockConfig struct {
	Backend string        `yaml:"backend"` // auto, memory, redis, postgres
	TTL     time.Duration `yaml:"ttl"`
}

type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // openai, ollama
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, ollama, or empty for retrieval-only answers
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	// ExpandQueries lets the model paraphrase queries for enhanced retrieval.
	ExpandQueries bool `yaml:"expand_queries"`
}

type ChunkingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

type RetrievalConfig struct {
	Strategy          string        `yaml:"strategy"` // simple or enhanced
	TopK              int           `yaml:"top_k"`
	Threshold         float64       `yaml:"threshold"`
	RerankWeight      float64       `yaml:"rerank_weight"`
	MaxContextChunks  int           `yaml:"max_context_chunks"`
	SearchTimeout     time.Duration `yaml:"search_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

type CitationConfig struct {
	Locale        string `yaml:"locale"`
	TemplatesFile string `yaml:"templates_file"`
}

type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	DequeueTimeout int           `yaml:"dequeue_timeout"` // seconds
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
	Retention      time.Duration `yaml:"retention"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Prefix         string        `yaml:"prefix"`
	QueueGroup     string        `yaml:"queue_group"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // 0 disables the probe server
}

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Index     IndexConfig     `yaml:"index"`
	Queue     QueueConfig     `yaml:"queue"`
	Lock      LockConfig      `yaml:"lock"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Citations CitationConfig  `yaml:"citations"`
	Worker    WorkerConfig    `yaml:"worker"`
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Backend: BackendMemory, MaxOpenConns: 25, MaxIdleConns: 5, ConnLifetime: 5 * time.Minute},
		Index: IndexConfig{Backend: BackendMemory, QdrantAddr: "localhost:6334", QdrantPrefix: "sercha"},
		Queue: QueueConfig{Backend: BackendNone},
		Lock:  LockConfig{Backend: BackendAuto, TTL: 10 * time.Minute},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			BatchSize: 32,
			Timeout:   60 * time.Second,
			Burst:     1,
		},
		LLM: LLMConfig{
			Temperature: 0.1,
			MaxTokens:   512,
			Timeout:     20 * time.Second,
		},
		Chunking: ChunkingConfig{ChunkSize: 1000, Overlap: 200},
		Retrieval: RetrievalConfig{
			Strategy:          string(domain.StrategyEnhanced),
			TopK:              domain.DefaultTopK,
			Threshold:         domain.DefaultThreshold,
			MaxContextChunks:  5,
			SearchTimeout:     10 * time.Second,
			GenerationTimeout: 20 * time.Second,
		},
		Citations: CitationConfig{Locale: "en"},
		Worker: WorkerConfig{
			Concurrency:    2,
			DequeueTimeout: 5,
			TaskTimeout:    10 * time.Minute,
			PurgeInterval:  time.Hour,
			Retention:      7 * 24 * time.Hour,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Prefix:         "sercha.rag",
			QueueGroup:     "sercha-rag",
			RequestTimeout: 60 * time.Second,
		},
		HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8080},
	}
}

// Load builds the configuration. path overrides SERCHA_CONFIG; an empty
// path with no SERCHA_CONFIG skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SERCHA_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
	}
	return nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.PostgresURL = getEnv("DATABASE_URL", c.Store.PostgresURL)
	c.Store.SQLiteDir = getEnv("SQLITE_DIR", c.Store.SQLiteDir)
	c.Store.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Store.MaxOpenConns)
	c.Store.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Store.MaxIdleConns)

	c.Index.Backend = getEnv("INDEX_BACKEND", c.Index.Backend)
	c.Index.QdrantAddr = getEnv("QDRANT_ADDR", c.Index.QdrantAddr)
	c.Index.QdrantPrefix = getEnv("QDRANT_PREFIX", c.Index.QdrantPrefix)

	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.RedisURL = getEnv("REDIS_URL", c.Queue.RedisURL)
	c.Queue.Consumer = getEnv("WORKER_NAME", c.Queue.Consumer)

	c.Lock.Backend = getEnv("LOCK_BACKEND", c.Lock.Backend)
	c.Lock.TTL = getEnvDuration("LOCK_TTL", c.Lock.TTL)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", c.Embedding.APIKey))
	c.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.BatchSize = getEnvInt("EMBEDDING_BATCH_SIZE", c.Embedding.BatchSize)
	c.Embedding.RequestsPerSecond = getEnvFloat("EMBEDDING_RPS", c.Embedding.RequestsPerSecond)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("LLM_API_KEY", getEnv("OPENAI_API_KEY", c.LLM.APIKey))
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.ExpandQueries = getEnvBool("LLM_EXPAND_QUERIES", c.LLM.ExpandQueries)

	c.Chunking.ChunkSize = getEnvInt("CHUNK_SIZE", c.Chunking.ChunkSize)
	c.Chunking.Overlap = getEnvInt("CHUNK_OVERLAP", c.Chunking.Overlap)

	c.Retrieval.Strategy = getEnv("RETRIEVAL_STRATEGY", c.Retrieval.Strategy)
	c.Retrieval.TopK = getEnvInt("TOP_K", c.Retrieval.TopK)
	c.Retrieval.Threshold = getEnvFloat("SIMILARITY_THRESHOLD", c.Retrieval.Threshold)
	c.Retrieval.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", c.Retrieval.GenerationTimeout)

	c.Citations.Locale = getEnv("CITATION_LOCALE", c.Citations.Locale)
	c.Citations.TemplatesFile = getEnv("CITATION_TEMPLATES", c.Citations.TemplatesFile)

	c.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.DequeueTimeout = getEnvInt("WORKER_DEQUEUE_TIMEOUT", c.Worker.DequeueTimeout)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Prefix = getEnv("NATS_PREFIX", c.NATS.Prefix)

	c.HTTP.Port = getEnvInt("PORT", c.HTTP.Port)
}

// Validate rejects fatal misconfiguration with domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Chunking.ChunkSize <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		add("chunking: overlap %d must be in [0, chunk_size %d)", c.Chunking.Overlap, c.Chunking.ChunkSize)
	}
	if th := c.Retrieval.Threshold; math.IsNaN(th) || th < 0 || th > 1 {
		add("retrieval: threshold %v outside [0,1]", c.Retrieval.Threshold)
	}
	if !domain.Strategy(c.Retrieval.Strategy).Valid() {
		add("retrieval: unknown strategy %q", c.Retrieval.Strategy)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			add("store: postgres backend needs postgres_url")
		}
	default:
		add("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Index.Backend {
	case BackendMemory:
	case BackendPGVector:
		if c.Store.PostgresURL == "" {
			add("index: pgvector backend needs store.postgres_url")
		}
	case BackendQdrant:
		if c.Index.QdrantAddr == "" {
			add("index: qdrant backend needs qdrant_addr")
		}
	default:
		add("index: unknown backend %q", c.Index.Backend)
	}

	switch c.Queue.Backend {
	case BackendNone:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			add("queue: redis backend needs redis_url")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			add("queue: postgres backend needs store.postgres_url")
		}
	default:
		add("queue: unknown backend %q", c.Queue.Backend)
	}

	switch c.Lock.Backend {
	case BackendAuto, BackendMemory:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			add("lock: redis backend needs queue.redis_url")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			add("lock: postgres backend needs store.postgres_url")
		}
	default:
		add("lock: unknown backend %q", c.Lock.Backend)
	}

	if c.Worker.Concurrency < 1 {
		add("worker: concurrency must be at least 1")
	}
	if _, err := c.Citations.CitationTemplates(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
}

// LockBackend resolves the auto lock backend.
func (c *Config) LockBackend() string {
	if c.Lock.Backend != BackendAuto {
		return c.Lock.Backend
	}
	switch {
	case c.Queue.RedisURL != "":
		return BackendRedis
	case c.Store.Backend == BackendPostgres:
		return BackendPostgres
	default:
		return BackendMemory
	}
}

// NeedsPostgres reports whether any component uses the postgres pool.
func (c *Config) NeedsPostgres() bool {
	return c.Store.Backend == BackendPostgres ||
		c.Index.Backend == BackendPGVector ||
		c.Queue.Backend == BackendPostgres ||
		c.LockBackend() == BackendPostgres
}

// NeedsRedis reports whether any component uses redis.
func (c *Config) NeedsRedis() bool {
	return c.Queue.Backend == BackendRedis || c.LockBackend() == BackendRedis
}

// RetrieveOptions returns the configured query defaults.
func (c *Config) RetrieveOptions() domain.QueryOptions {
	threshold := c.Retrieval.Threshold
	return domain.QueryOptions{
		RetrieveOptions: domain.RetrieveOptions{
			Strategy:  domain.Strategy(c.Retrieval.Strategy),
			TopK:      c.Retrieval.TopK,
			Threshold: &threshold,
		},
		MaxContextChunks: c.Retrieval.MaxContextChunks,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
