package router

import "time"

const (
	defaultTryAcquireDeadline = time.Millisecond
)

// AdmissionGate is a counting permit pool protecting a bounded-concurrency
// backend (the GPU backend). Acquisition is strictly non-blocking: a caller
// either gets a permit within a short deadline or is told to fall back.
type AdmissionGate struct {
	permits chan struct{}
	size    int
}

// NewAdmissionGate creates a gate with size permits available.
func NewAdmissionGate(size int) *AdmissionGate {
	if size < 1 {
		size = 1
	}
	g := &AdmissionGate{permits: make(chan struct{}, size), size: size}
	for i := 0; i < size; i++ {
		g.permits <- struct{}{}
	}
	return g
}

// TryAcquire attempts to acquire one permit, waiting at most one
// millisecond. Returns true and a release function on success, or nil and
// false on failure. After a successful acquire the caller must call release
// exactly once; release is not idempotent.
func (g *AdmissionGate) TryAcquire() (release func(), ok bool) {
	select {
	case <-g.permits:
		return func() { g.permits <- struct{}{} }, true
	default:
	}

	timer := time.NewTimer(defaultTryAcquireDeadline)
	defer timer.Stop()

	select {
	case <-g.permits:
		return func() { g.permits <- struct{}{} }, true
	case <-timer.C:
		return nil, false
	}
}

// Available returns the number of currently free permits — an instantaneous
// snapshot for observability, not a reservation.
func (g *AdmissionGate) Available() int {
	return len(g.permits)
}

// Size returns the configured gate size.
func (g *AdmissionGate) Size() int { return g.size }
