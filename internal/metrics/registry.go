// Package metrics provides a Prometheus metrics registry for the inference
// router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// processes. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	inFlight *prometheus.GaugeVec

	requestsTotal    *prometheus.CounterVec // backend, status
	fallbackTotal    *prometheus.CounterVec // reason
	requestDuration  *prometheus.HistogramVec
	generatorDuration *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheOps    *prometheus.CounterVec // op, result

	backendHealth       *prometheus.GaugeVec
	circuitBreakerState *prometheus.GaugeVec
	cbTransitions       *prometheus.CounterVec
	cbRejections        *prometheus.CounterVec

	gpuPermitsAvailable prometheus.Gauge

	tokensTotal prometheus.Counter

	retrievalDuration prometheus.Histogram

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight requests per backend",
		}, []string{"backend"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total inference requests by backend and status",
		}, []string{"backend", "status"}),

		fallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_fallback_total",
			Help: "Requests routed to the fallback backend, by reason",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_request_duration_seconds",
			Help:    "End-to-end request duration per backend",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"backend"}),

		generatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_generator_duration_seconds",
			Help:    "Generator call duration per backend",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"backend"}),

		cacheHits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_hits_total", Help: "Total cache hits"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_misses_total", Help: "Total cache misses"}),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_cache_operations_total",
			Help: "Cache operations by type and result",
		}, []string{"op", "result"}),

		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_backend_health",
			Help: "Backend health status (1=healthy, 0=unhealthy)",
		}, []string{"backend"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
		}, []string{"backend"}),

		cbTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_circuit_breaker_transitions_total",
			Help: "Circuit breaker transitions to a new state",
		}, []string{"backend", "to_state"}),

		cbRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_circuit_breaker_rejections_total",
			Help: "Requests rejected due to circuit breaker state",
		}, []string{"backend"}),

		gpuPermitsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_gpu_permits_available",
			Help: "Currently available GPU admission permits",
		}),

		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_tokens_generated_total",
			Help: "Total tokens generated across all requests",
		}),

		retrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_retrieval_duration_seconds",
			Help:    "Retrieval-index query duration",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.inFlight, r.requestsTotal, r.fallbackTotal, r.requestDuration, r.generatorDuration,
		r.cacheHits, r.cacheMisses, r.cacheOps,
		r.backendHealth, r.circuitBreakerState, r.cbTransitions, r.cbRejections,
		r.gpuPermitsAvailable, r.tokensTotal, r.retrievalDuration,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight(backend string) { r.inFlight.WithLabelValues(backend).Inc() }
func (r *Registry) DecInFlight(backend string) { r.inFlight.WithLabelValues(backend).Dec() }

func (r *Registry) ObserveRequest(backend string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(backend).Observe(dur.Seconds())
}

func (r *Registry) ObserveGenerator(backend string, dur time.Duration) {
	r.generatorDuration.WithLabelValues(backend).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(reason string) {
	r.fallbackTotal.WithLabelValues(reason).Inc()
}

func (r *Registry) CacheGetHit(semantic bool) {
	r.cacheHits.Inc()
	if semantic {
		r.cacheOps.WithLabelValues("get", "hit_semantic").Inc()
		return
	}
	r.cacheOps.WithLabelValues("get", "hit_exact").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheSetOK() { r.cacheOps.WithLabelValues("set", "ok").Inc() }

func (r *Registry) AddTokens(n int) {
	if n > 0 {
		r.tokensTotal.Add(float64(n))
	}
}

func (r *Registry) SetBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealth.WithLabelValues(backend).Set(v)
}

func (r *Registry) SetGPUPermitsAvailable(n int) {
	r.gpuPermitsAvailable.Set(float64(n))
}

func (r *Registry) ObserveRetrieval(dur time.Duration) {
	r.retrievalDuration.Observe(dur.Seconds())
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(backend string, state int) {
	r.circuitBreakerState.WithLabelValues(backend).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[backend]
	if !ok || prev != float64(state) {
		r.lastCBState[backend] = float64(state)
		r.cbTransitions.WithLabelValues(backend, strconv.Itoa(state)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(backend string) {
	r.cbRejections.WithLabelValues(backend).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler     { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry   { return r.reg }
