// Package httpapi exposes the inference router's HTTP surface: inference,
// RAG document management, cache administration, health, and metrics.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	fhrouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/counselgpt/serving/internal/cache"
	"github.com/counselgpt/serving/internal/metrics"
	"github.com/counselgpt/serving/internal/orchestrator"
	"github.com/counselgpt/serving/internal/retrieval"
	ir "github.com/counselgpt/serving/internal/router"
)

// RateLimiter checks a global requests-per-minute budget. Satisfied by
// *ratelimit.RPMLimiter; kept as a local interface to avoid importing Redis
// machinery into the HTTP layer.
type RateLimiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Server wires every component into the HTTP surface.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Retrieval    *retrieval.Service
	Cache        *cache.ResponseCache
	Metrics      *metrics.Registry
	Health       *ir.HealthMonitor
	Breaker      *ir.CircuitBreaker
	Admission    *ir.AdmissionGate
	RateLimiter  RateLimiter // optional; nil disables rate limiting
	CORSOrigins  []string

	log *slog.Logger
}

func New(orch *orchestrator.Orchestrator, retr *retrieval.Service, respCache *cache.ResponseCache, met *metrics.Registry, health *ir.HealthMonitor, breaker *ir.CircuitBreaker, admission *ir.AdmissionGate, corsOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Orchestrator: orch,
		Retrieval:    retr,
		Cache:        respCache,
		Metrics:      met,
		Health:       health,
		Breaker:      breaker,
		Admission:    admission,
		CORSOrigins:  corsOrigins,
		log:          log,
	}
}

// Handler builds the fully wired fasthttp handler: routes plus the
// middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := fhrouter.New()

	r.POST("/infer", applyMiddleware(s.handleInfer, s.rateLimit))
	r.POST("/rag/index", s.handleIndexDocument)
	r.POST("/rag/query", s.handleRAGQuery)
	r.GET("/rag/documents", s.handleListDocuments)
	r.GET("/rag/stats", s.handleRAGStats)
	r.DELETE("/rag/documents/{id}", s.handleDeleteDocument)
	r.POST("/cache/clear", s.handleCacheClear)
	r.GET("/cache/stats", s.handleCacheStats)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", func(ctx *fasthttp.RequestCtx) { s.Metrics.Handler()(ctx) })

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}
