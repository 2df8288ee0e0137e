package router

import (
	"sync"
	"time"
)

// cbState is the operational state of a per-backend circuit breaker.
//
//	CBClosed   — normal operation; all requests pass through.
//	CBOpen     — backend is failing; requests are rejected immediately.
//	CBHalfOpen — recovery probe; exactly one request is allowed through.
type cbState int

const (
	CBClosed   cbState = 0
	CBOpen     cbState = 1
	CBHalfOpen cbState = 2

	defaultErrorThreshold = 5
	defaultCooldown       = 30 * time.Second
)

// backendCB holds per-backend circuit breaker state.
type backendCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker manages independent circuit breakers for each backend. It
// is safe for concurrent use from multiple goroutines.
//
// The breaker does not age out old failures with a rolling time window: the
// counter resets only on success (see DESIGN.md's open-question note on
// stale-counter aging), so a slow trickle of failures can eventually trip it.
type CircuitBreaker struct {
	mu             sync.RWMutex
	breakers       map[string]*backendCB
	errorThreshold int
	cooldown       time.Duration
}

// NewCircuitBreaker creates a CircuitBreaker for the given backend names.
func NewCircuitBreaker(backends []string, errorThreshold int, cooldown time.Duration) *CircuitBreaker {
	if errorThreshold <= 0 {
		errorThreshold = defaultErrorThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	cb := &CircuitBreaker{
		breakers:       make(map[string]*backendCB, len(backends)),
		errorThreshold: errorThreshold,
		cooldown:       cooldown,
	}
	for _, name := range backends {
		cb.breakers[name] = &backendCB{state: CBClosed}
	}
	return cb
}

// Allow reports whether backend should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to half-open and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(backend string) bool {
	b := cb.get(backend)
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CBClosed:
		return true
	case CBOpen:
		if time.Since(b.openedAt) >= cb.cooldown {
			b.state = CBHalfOpen
			b.probeInflight = true
			return true
		}
		return false
	case CBHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets backend's breaker to Closed regardless of its
// previous state.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	b := cb.get(backend)
	if b == nil {
		return
	}
	b.mu.Lock()
	b.state = CBClosed
	b.errorCount = 0
	b.probeInflight = false
	b.mu.Unlock()
}

// RecordFailure increments backend's error counter. When the counter reaches
// the error threshold, the breaker opens. A failure observed while
// half-open reopens the breaker immediately with a fresh open-time.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	b := cb.get(backend)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHalfOpen := b.state == CBHalfOpen
	b.probeInflight = false
	b.errorCount++

	if wasHalfOpen || b.errorCount >= cb.errorThreshold {
		b.state = CBOpen
		b.openedAt = time.Now()
	}
}

// State returns the current cbState for backend (for metrics export).
func (cb *CircuitBreaker) State(backend string) cbState {
	b := cb.get(backend)
	if b == nil {
		return CBClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLabel returns a human-readable state name.
func (cb *CircuitBreaker) StateLabel(backend string) string {
	switch cb.State(backend) {
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(backend string) *backendCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[backend]
}

// ClassifyOutcome reports whether an outcome counts as a circuit-breaker
// failure per spec: 5xx, timeout, and connection errors are failures; any
// response status below 500 (including 4xx) counts as a success for
// breaker purposes.
func ClassifyOutcome(statusCode int, transportErr error) bool {
	if transportErr != nil {
		return true
	}
	return statusCode >= 500
}
