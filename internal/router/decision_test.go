package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/counselgpt/serving/internal/metrics"
)

func startTestBackend(t *testing.T, handler fasthttp.RequestHandler) (baseURL string, client *fasthttp.Client) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, handler) }()
	return "http://" + t.Name(), &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
}

func okHandler(body string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(body)
	}
}

func errHandler(status int) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
	}
}

// forwarderFor builds a Forwarder whose client dials directly into handler's
// in-memory listener, regardless of the base URL passed to Forward.
func forwarderFor(t *testing.T, handler fasthttp.RequestHandler) *Forwarder {
	t.Helper()
	_, client := startTestBackend(t, handler)
	return &Forwarder{client: client, timeout: time.Second}
}

func TestRouterUserPreferenceOverridesGPU(t *testing.T) {
	cpuForwarder := forwarderFor(t, okHandler("cpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 5, 30*time.Second)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, cpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Backend != BackendCPU {
		t.Fatalf("expected CPU backend, got %s", result.Backend)
	}
	if result.Reason != ReasonUserPreference {
		t.Fatalf("expected reason user_preference, got %s", result.Reason)
	}
	if result.Fallback {
		t.Fatal("preferGPU=false must not be reported as a fallback")
	}
}

func TestRouterGPUServesWhenEligible(t *testing.T) {
	gpuForwarder := forwarderFor(t, okHandler("gpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 5, 30*time.Second)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, gpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Backend != BackendGPU {
		t.Fatalf("expected GPU backend, got %s", result.Backend)
	}
	if result.Fallback {
		t.Fatal("expected no fallback on GPU success")
	}
	if result.Response.Text != "gpu response" {
		t.Fatalf("expected gpu response text, got %q", result.Response.Text)
	}
}

func TestRouterFallsBackWhenGPUUnhealthy(t *testing.T) {
	cpuForwarder := forwarderFor(t, okHandler("cpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 1, nil)
	t.Cleanup(health.Close)
	health.statuses[BackendGPU].recordFailure(1)

	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 5, 30*time.Second)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, cpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Backend != BackendCPU || !result.Fallback {
		t.Fatalf("expected CPU fallback, got backend=%s fallback=%v", result.Backend, result.Fallback)
	}
	if result.Reason != ReasonUnhealthy {
		t.Fatalf("expected reason unhealthy, got %s", result.Reason)
	}
}

func TestRouterFallsBackWhenCircuitOpen(t *testing.T) {
	cpuForwarder := forwarderFor(t, okHandler("cpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)

	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 1, time.Minute)
	breaker.RecordFailure(BackendGPU)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, cpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Reason != ReasonCircuitOpen {
		t.Fatalf("expected reason circuit_open, got %s", result.Reason)
	}
}

func TestRouterFallsBackWhenQueueFull(t *testing.T) {
	cpuForwarder := forwarderFor(t, okHandler("cpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 5, 30*time.Second)
	admission := NewAdmissionGate(1)
	release, ok := admission.TryAcquire()
	if !ok {
		t.Fatal("setup: expected to acquire the only permit")
	}
	defer release()

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, cpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Reason != ReasonQueueFull {
		t.Fatalf("expected reason queue_full, got %s", result.Reason)
	}
}

func TestRouterGPUErrorFallsBackToCPU(t *testing.T) {
	// A single shared forwarder serves both hops; the handler fails the
	// first call (GPU) and succeeds the second (CPU fallback).
	calls := 0
	forwarder := &Forwarder{timeout: time.Second}
	_, client := startTestBackend(t, func(ctx *fasthttp.RequestCtx) {
		calls++
		if calls == 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("cpu fallback response")
	})
	forwarder.client = client

	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 1, 30*time.Second)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, forwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Backend != BackendCPU || !result.Fallback {
		t.Fatalf("expected CPU fallback after GPU error, got backend=%s fallback=%v", result.Backend, result.Fallback)
	}
	if result.Reason != ReasonGPUError {
		t.Fatalf("expected reason gpu_error, got %s", result.Reason)
	}
	if breaker.StateLabel(BackendGPU) == "closed" {
		t.Fatal("expected GPU breaker to record the failure")
	}
}

// TestRouterBothBackendsFailRecordsCPUBreakerFailure verifies a CPU
// fallback that also fails records a CPU circuit breaker failure, not just
// the GPU one.
func TestRouterBothBackendsFailRecordsCPUBreakerFailure(t *testing.T) {
	forwarder := &Forwarder{timeout: time.Second}
	_, client := startTestBackend(t, errHandler(fasthttp.StatusServiceUnavailable))
	forwarder.client = client

	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 1, time.Minute)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, forwarder, metrics.New(), nil)

	if _, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true); err == nil {
		t.Fatal("expected error when both backends fail")
	}

	if breaker.StateLabel(BackendCPU) == "closed" {
		t.Fatal("expected CPU breaker to record the fallback failure")
	}
}

// TestRouterCPUSuccessRecordsCPUBreakerSuccess verifies a successful
// CPU-served request (here via preferGPU=false) records success against the
// CPU breaker too.
func TestRouterCPUSuccessRecordsCPUBreakerSuccess(t *testing.T) {
	cpuForwarder := forwarderFor(t, okHandler("cpu response"))
	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)

	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 1, time.Minute)
	breaker.RecordFailure(BackendCPU)
	if breaker.StateLabel(BackendCPU) != "open" {
		t.Fatal("setup: expected CPU breaker open after one failure with threshold 1")
	}
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, cpuForwarder, metrics.New(), nil)

	result, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Backend != BackendCPU {
		t.Fatalf("expected CPU backend, got %s", result.Backend)
	}
	if breaker.StateLabel(BackendCPU) != "closed" {
		t.Fatalf("expected CPU breaker closed after a recorded success, got %s", breaker.StateLabel(BackendCPU))
	}
}

func TestRouterBothBackendsFailSurfacesGPUError(t *testing.T) {
	forwarder := &Forwarder{timeout: time.Second}
	_, client := startTestBackend(t, errHandler(fasthttp.StatusServiceUnavailable))
	forwarder.client = client

	health := NewHealthMonitor(context.Background(), map[string]Prober{
		BackendGPU: &fakeProber{}, BackendCPU: &fakeProber{},
	}, time.Hour, time.Second, 3, nil)
	t.Cleanup(health.Close)
	breaker := NewCircuitBreaker([]string{BackendGPU, BackendCPU}, 5, 30*time.Second)
	admission := NewAdmissionGate(5)

	r := NewRouter("gpu-url", "cpu-url", health, breaker, admission, forwarder, metrics.New(), nil)

	_, err := r.Execute(context.Background(), GenerateRequest{Prompt: "hi"}, true)
	if err == nil {
		t.Fatal("expected error when both backends fail")
	}
	fwErr, ok := err.(*ForwardError)
	if !ok {
		t.Fatalf("expected the original GPU *ForwardError surfaced, got %T", err)
	}
	if fwErr.Outcome != OutcomeBackendError {
		t.Fatalf("expected OutcomeBackendError from GPU, got %v", fwErr.Outcome)
	}
}
