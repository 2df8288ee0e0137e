// Package config loads and validates all runtime configuration for the
// inference router.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	GPUBackendURL string
	CPUBackendURL string

	GPUMaxInflight int
	BackendTimeout time.Duration

	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
	HealthFailureThreshold int

	CircuitBreaker CircuitBreakerConfig

	Cache CacheConfig
	Redis RedisConfig

	Embedding EmbeddingConfig
	Rerank    RerankConfig
	RAG       RAGConfig

	CORSOrigins []string

	RateLimit RateLimitConfig

	AccessLog AccessLogConfig
}

// CircuitBreakerConfig controls per-backend circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorThreshold int
	Cooldown       time.Duration
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend: "redis", "memory", or "none".
	Mode                string
	TTL                 time.Duration
	SimilarityThreshold float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL string
}

// EmbeddingConfig configures the co-located embedding service used by both
// the cache's semantic lookup and the retrieval index's dense scoring.
type EmbeddingConfig struct {
	ServiceURL string
	Dimension  int
	Timeout    time.Duration
}

// RerankConfig configures the optional cross-encoder reranker.
type RerankConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

// RAGConfig controls retrieval-index defaults.
type RAGConfig struct {
	Alpha                    float64
	InitialRetrieve          int
	TopK                     int
	MaxChunkSize             int
	ChunkSimilarityThreshold float64
}

// RateLimitConfig controls the optional global requests-per-minute limiter.
type RateLimitConfig struct {
	RPMLimit int
}

// AccessLogConfig controls the async request-access logger.
type AccessLogConfig struct {
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("GPU_MAX_INFLIGHT", 20)
	v.SetDefault("BACKEND_TIMEOUT", "60s")

	v.SetDefault("HEALTH_CHECK_INTERVAL", "10s")
	v.SetDefault("HEALTH_CHECK_TIMEOUT", "5s")
	v.SetDefault("HEALTH_FAILURE_THRESHOLD", 3)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "3600s")
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.95)

	v.SetDefault("EMBEDDING_DIMENSION", 384)
	v.SetDefault("EMBEDDING_TIMEOUT", "2s")

	v.SetDefault("RERANK_TIMEOUT", "2s")

	v.SetDefault("RAG_ALPHA", 0.5)
	v.SetDefault("RAG_INITIAL_RETRIEVE", 20)
	v.SetDefault("RAG_TOP_K", 3)
	v.SetDefault("RAG_MAX_CHUNK_SIZE", 512)
	v.SetDefault("RAG_CHUNK_SIMILARITY_THRESHOLD", 0.5)

	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("RPM_LIMIT", 0)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		GPUBackendURL: v.GetString("GPU_BACKEND_URL"),
		CPUBackendURL: v.GetString("CPU_BACKEND_URL"),

		GPUMaxInflight: v.GetInt("GPU_MAX_INFLIGHT"),
		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),

		HealthCheckInterval:    v.GetDuration("HEALTH_CHECK_INTERVAL"),
		HealthCheckTimeout:     v.GetDuration("HEALTH_CHECK_TIMEOUT"),
		HealthFailureThreshold: v.GetInt("HEALTH_FAILURE_THRESHOLD"),

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			Cooldown:       v.GetDuration("CB_COOLDOWN"),
		},

		Cache: CacheConfig{
			Mode:                strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:                 v.GetDuration("CACHE_TTL"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
		},
		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Embedding: EmbeddingConfig{
			ServiceURL: v.GetString("EMBEDDING_SERVICE_URL"),
			Dimension:  v.GetInt("EMBEDDING_DIMENSION"),
			Timeout:    v.GetDuration("EMBEDDING_TIMEOUT"),
		},
		Rerank: RerankConfig{
			ServiceURL: v.GetString("RERANK_SERVICE_URL"),
			Timeout:    v.GetDuration("RERANK_TIMEOUT"),
		},
		RAG: RAGConfig{
			Alpha:                    v.GetFloat64("RAG_ALPHA"),
			InitialRetrieve:          v.GetInt("RAG_INITIAL_RETRIEVE"),
			TopK:                     v.GetInt("RAG_TOP_K"),
			MaxChunkSize:             v.GetInt("RAG_MAX_CHUNK_SIZE"),
			ChunkSimilarityThreshold: v.GetFloat64("RAG_CHUNK_SIMILARITY_THRESHOLD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		AccessLog: AccessLogConfig{ClickHouseDSN: v.GetString("ACCESSLOG_CLICKHOUSE_DSN")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.GPUBackendURL == "" {
		return fmt.Errorf("config: GPU_BACKEND_URL is required")
	}
	if c.CPUBackendURL == "" {
		return fmt.Errorf("config: CPU_BACKEND_URL is required")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.GPUMaxInflight < 1 {
		return fmt.Errorf("config: GPU_MAX_INFLIGHT must be ≥ 1, got %d", c.GPUMaxInflight)
	}
	if c.HealthFailureThreshold < 1 {
		return fmt.Errorf("config: HEALTH_FAILURE_THRESHOLD must be ≥ 1, got %d", c.HealthFailureThreshold)
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: CACHE_SIMILARITY_THRESHOLD must be in [0,1]")
	}
	if c.RAG.Alpha < 0 || c.RAG.Alpha > 1 {
		return fmt.Errorf("config: RAG_ALPHA must be in [0,1]")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
