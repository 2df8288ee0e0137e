package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/counselgpt/serving/internal/metrics"
)

const (
	BackendGPU = "gpu"
	BackendCPU = "cpu"

	ReasonUserPreference = "user_preference"
	ReasonCircuitOpen    = "circuit_open"
	ReasonUnhealthy      = "unhealthy"
	ReasonQueueFull      = "queue_full"
	ReasonGPUError       = "gpu_error"
	ReasonGPUFailed      = "gpu_failed"
)

// Result describes how a request was ultimately served.
type Result struct {
	Response     *GenerateResponse
	Backend      string // which backend actually served the request
	Fallback     bool   // true if the request fell back from GPU to CPU
	FallbackFrom string // "gpu" when Fallback is true
	Reason       string // empty for the unremarkable GPU-served path
}

// Router ties the health monitor, circuit breaker, admission gate, and
// forwarder together into the routing decision engine: given a request and
// the caller's GPU preference, it decides which backend serves the request,
// performs at most one CPU fallback hop, and reports the outcome.
type Router struct {
	gpuURL string
	cpuURL string

	health    *HealthMonitor
	breaker   *CircuitBreaker
	admission *AdmissionGate
	forwarder *Forwarder
	metrics   *metrics.Registry
	log       *slog.Logger
}

func NewRouter(gpuURL, cpuURL string, health *HealthMonitor, breaker *CircuitBreaker, admission *AdmissionGate, forwarder *Forwarder, met *metrics.Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		gpuURL:    gpuURL,
		cpuURL:    cpuURL,
		health:    health,
		breaker:   breaker,
		admission: admission,
		forwarder: forwarder,
		metrics:   met,
		log:       log,
	}
}

// Execute routes req to the GPU backend when eligible, falling back to CPU
// exactly once on GPU ineligibility or GPU failure. preferGPU=false is a
// hard override: the request goes to CPU with no further fallback attempt,
// succeed or fail.
func (r *Router) Execute(ctx context.Context, req GenerateRequest, preferGPU bool) (*Result, error) {
	if !preferGPU {
		resp, err := r.forwardTo(ctx, BackendCPU, req)
		return &Result{Response: resp, Backend: BackendCPU, Reason: ReasonUserPreference}, err
	}

	reason, eligible := r.gpuEligibility()
	if !eligible {
		r.metrics.RecordFallback(reason)
		resp, err := r.forwardTo(ctx, BackendCPU, req)
		return &Result{Response: resp, Backend: BackendCPU, Fallback: true, FallbackFrom: BackendGPU, Reason: reason}, err
	}

	release, acquired := r.admission.TryAcquire()
	if r.metrics != nil {
		r.metrics.SetGPUPermitsAvailable(r.admission.Available())
	}
	if !acquired {
		r.metrics.RecordFallback(ReasonQueueFull)
		resp, err := r.forwardTo(ctx, BackendCPU, req)
		return &Result{Response: resp, Backend: BackendCPU, Fallback: true, FallbackFrom: BackendGPU, Reason: ReasonQueueFull}, err
	}

	gpuResp, gpuErr := r.forwardTo(ctx, BackendGPU, req)
	release()
	if r.metrics != nil {
		r.metrics.SetGPUPermitsAvailable(r.admission.Available())
	}

	if gpuErr == nil {
		return &Result{Response: gpuResp, Backend: BackendGPU}, nil
	}

	fwErr, ok := gpuErr.(*ForwardError)
	if !ok {
		return nil, gpuErr
	}

	fallbackReason := ReasonGPUFailed
	if fwErr.Outcome == OutcomeBackendError {
		fallbackReason = ReasonGPUError
	}
	r.log.Warn("gpu request failed, attempting cpu fallback", "reason", fallbackReason, "error", gpuErr)
	r.metrics.RecordFallback(fallbackReason)

	cpuResp, cpuErr := r.forwardTo(ctx, BackendCPU, req)
	if cpuErr != nil {
		r.log.Error("cpu fallback also failed, surfacing original gpu error", "cpu_error", cpuErr)
		return nil, gpuErr
	}

	return &Result{Response: cpuResp, Backend: BackendCPU, Fallback: true, FallbackFrom: BackendGPU, Reason: fallbackReason}, nil
}

// gpuEligibility reports whether the GPU backend may be tried, and if not,
// which reason disqualified it. Checked in breaker→health order; admission
// is checked separately since it requires acquiring (and potentially
// releasing) a permit.
func (r *Router) gpuEligibility() (reason string, ok bool) {
	if !r.breaker.Allow(BackendGPU) {
		if r.metrics != nil {
			r.metrics.RecordCircuitBreakerRejection(BackendGPU)
		}
		return ReasonCircuitOpen, false
	}
	if !r.health.Healthy(BackendGPU) {
		return ReasonUnhealthy, false
	}
	return "", true
}

func (r *Router) forwardTo(ctx context.Context, backend string, req GenerateRequest) (*GenerateResponse, error) {
	url := r.cpuURL
	if backend == BackendGPU {
		url = r.gpuURL
	}

	start := time.Now()
	if r.metrics != nil {
		r.metrics.IncInFlight(backend)
		defer r.metrics.DecInFlight(backend)
	}

	resp, status, err := r.forwarder.Forward(ctx, url, req)
	dur := time.Since(start)

	isFailure := ClassifyOutcome(status, err)
	if isFailure {
		r.breaker.RecordFailure(backend)
	} else {
		r.breaker.RecordSuccess(backend)
	}
	if r.metrics != nil {
		r.metrics.SetCircuitBreaker(backend, int(r.breaker.State(backend)))
	}

	if r.metrics != nil {
		reportStatus := status
		if fwErr, ok := err.(*ForwardError); ok && status == 0 {
			reportStatus = fwErr.HTTPStatus
		}
		r.metrics.ObserveRequest(backend, reportStatus, dur)
		r.metrics.ObserveGenerator(backend, dur)
	}

	return resp, err
}
