package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/counselgpt/serving/internal/accesslog"
	ccache "github.com/counselgpt/serving/internal/cache"
	"github.com/counselgpt/serving/internal/extclient"
	"github.com/counselgpt/serving/internal/httpapi"
	"github.com/counselgpt/serving/internal/metrics"
	"github.com/counselgpt/serving/internal/orchestrator"
	"github.com/counselgpt/serving/internal/ratelimit"
	"github.com/counselgpt/serving/internal/retrieval"
	"github.com/counselgpt/serving/internal/router"
)

// initInfra establishes optional external connections. Redis is only
// required when CACHE_MODE=redis or rate limiting is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}
	return nil
}

// initRouting builds the health monitor, circuit breaker, admission gate,
// and metrics registry that together implement the routing decision engine.
func (a *App) initRouting(ctx context.Context) error {
	backendClient := &fasthttp.Client{Name: "counselgpt-health-probe"}

	probers := map[string]router.Prober{
		router.BackendGPU: newHTTPProber(backendClient, a.cfg.GPUBackendURL),
		router.BackendCPU: newHTTPProber(backendClient, a.cfg.CPUBackendURL),
	}

	a.prom = metrics.New()

	a.health = router.NewHealthMonitor(ctx, probers, a.cfg.HealthCheckInterval, a.cfg.HealthCheckTimeout, a.cfg.HealthFailureThreshold, a.prom)
	a.breaker = router.NewCircuitBreaker([]string{router.BackendGPU, router.BackendCPU}, a.cfg.CircuitBreaker.ErrorThreshold, a.cfg.CircuitBreaker.Cooldown)
	a.admission = router.NewAdmissionGate(a.cfg.GPUMaxInflight)

	return nil
}

// initServices builds the semantic response cache, retrieval index, access
// logger, and orchestrator.
func (a *App) initServices(ctx context.Context) error {
	var embedder ccache.Embedder
	var ragEmbedder retrieval.Embedder
	var reranker retrieval.Reranker
	if a.cfg.Embedding.ServiceURL != "" {
		ec := extclient.NewEmbeddingClient(a.cfg.Embedding.ServiceURL, a.cfg.Embedding.Timeout)
		embedder = ec
		ragEmbedder = ec
	}
	if a.cfg.Rerank.ServiceURL != "" {
		reranker = extclient.NewRerankClient(a.cfg.Rerank.ServiceURL, a.cfg.Rerank.Timeout)
	}

	var store ccache.Store
	var pingStore func(context.Context) error

	switch a.cfg.Cache.Mode {
	case "redis":
		exact, err := ccache.NewExactCacheFromURL(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		store = exact
		pingStore = exact.Ping
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = ccache.NewMemoryCache(ctx)
		store = a.memCache
		pingStore = func(context.Context) error { return nil }
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if store != nil {
		var pingEmbedding func(context.Context) error
		if embedder != nil {
			pingEmbedding = func(pctx context.Context) error {
				_, err := embedder.Embed(pctx, "healthcheck")
				return err
			}
		}
		a.connMgr = ccache.NewConnectionManager(pingStore, pingEmbedding, a.log)
		a.respCache = ccache.NewResponseCache(store, embedder, a.connMgr, a.cfg.Cache.TTL, a.cfg.Cache.SimilarityThreshold, a.cfg.Embedding.Dimension, a.prom, a.log)
	}

	a.rag = retrieval.NewService(ragEmbedder, reranker, retrieval.Config{
		Alpha:                    a.cfg.RAG.Alpha,
		InitialRetrieve:          a.cfg.RAG.InitialRetrieve,
		TopK:                     a.cfg.RAG.TopK,
		MaxChunkSize:             a.cfg.RAG.MaxChunkSize,
		ChunkSimilarityThreshold: a.cfg.RAG.ChunkSimilarityThreshold,
	}, a.prom)

	gen := newRouterGenerator(router.NewRouter(
		a.cfg.GPUBackendURL, a.cfg.CPUBackendURL,
		a.health, a.breaker, a.admission,
		router.NewForwarder(a.cfg.BackendTimeout),
		a.prom, a.log,
	))
	a.orch = orchestrator.New(gen, newRetrievalAdapter(a.rag), a.respCache, a.prom, a.log)

	// Access log sink: ClickHouse when configured, otherwise structured logs
	// through the same slog logger used everywhere else.
	var sink accesslog.Sink = accesslog.NewSlogSink(a.log)
	if a.cfg.AccessLog.ClickHouseDSN != "" {
		chSink, err := accesslog.NewClickHouseSink(ctx, a.cfg.AccessLog.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("access log clickhouse sink: %w", err)
		}
		a.chSink = chSink
		sink = chSink
		a.log.Info("access log sink: clickhouse")
	} else {
		a.log.Info("access log sink: structured logs")
	}

	accLog, err := accesslog.New(ctx, sink)
	if err != nil {
		return fmt.Errorf("access log: %w", err)
	}
	a.accessLog = accLog

	return nil
}

// initServer wires the HTTP surface.
func (a *App) initServer(_ context.Context) error {
	var limiter httpapi.RateLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = httpapi.New(a.orch, a.rag, a.respCache, a.prom, a.health, a.breaker, a.admission, a.cfg.CORSOrigins, a.log)
	a.srv.RateLimiter = limiter

	return nil
}
