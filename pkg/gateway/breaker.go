package gateway

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state. The numeric values are exported
// as the circuit_breaker_state gauge.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerHalfOpen BreakerState = 1
	BreakerOpen     BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// BreakerStats is a point-in-time snapshot for /stats.
type BreakerStats struct {
	State            string     `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     int        `json:"success_count"`
	FailureThreshold int        `json:"failure_threshold"`
	RecoveryTimeout  int        `json:"recovery_timeout"`
	ResetAt          *time.Time `json:"reset_at"`
}

// CircuitBreaker gates calls to the upstream provider.
//
// Closed: calls pass; consecutive failures reaching the threshold open the
// circuit. Open: calls are rejected until the recovery timeout elapses, then
// the next admission check moves to half-open. Half-open: up to
// halfOpenMaxCalls probes are admitted; that many successes close the
// circuit, any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	state           BreakerState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	now           func() time.Time
	onStateChange func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker. onStateChange, when non-nil, is
// called under the breaker lock on every transition; keep it cheap.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration,
	halfOpenMaxCalls int, onStateChange func(BreakerState)) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		state:            BreakerClosed,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

// CanExecute is the single admission gate. The open-to-half-open transition
// and the probe accounting happen atomically with the decision.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailureTime) >= cb.recoveryTimeout {
		cb.changeState(BreakerHalfOpen)
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.halfOpenCalls < cb.halfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful upstream call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.changeState(BreakerClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenCalls = 0
		}
	case BreakerClosed:
		cb.failureCount = 0
	}
}

// RecordFailure registers a failed upstream call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.changeState(BreakerOpen)
		cb.successCount = 0
	case BreakerClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.changeState(BreakerOpen)
		}
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ResetAt returns when an open circuit becomes eligible for probing.
func (cb *CircuitBreaker) ResetAt() (time.Time, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return time.Time{}, false
	}
	return cb.lastFailureTime.Add(cb.recoveryTimeout), true
}

// Stats returns a snapshot for the /stats endpoint.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := BreakerStats{
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		FailureThreshold: cb.failureThreshold,
		RecoveryTimeout:  int(cb.recoveryTimeout.Seconds()),
	}
	if cb.state == BreakerOpen {
		resetAt := cb.lastFailureTime.Add(cb.recoveryTimeout)
		stats.ResetAt = &resetAt
	}
	return stats
}

func (cb *CircuitBreaker) changeState(newState BreakerState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(newState)
	}
}
