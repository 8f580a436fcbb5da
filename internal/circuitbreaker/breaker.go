package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/octopusgw/octopus/internal/config"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, reject requests
	StateHalfOpen              // testing recovery with a single probe
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// InstanceBreaker gates whether an upstream instance may be selected.
// Implemented by the local Breaker and the Redis-shared RedisBreaker.
type InstanceBreaker interface {
	// Allow reports whether a request may be sent to the instance. In
	// half-open state at most one caller (the probe) gets true; others
	// are treated as if the breaker were open.
	Allow() bool
	RecordSuccess()
	RecordFailure()
	Snapshot() Snapshot
}

// Breaker is a per-instance circuit breaker. State is guarded by a
// per-instance mutex; instances never share a lock.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	failureThreshold    int
	timeout             time.Duration
	openedAt            time.Time
	probeInFlight       bool

	// Lifetime counters (atomic for lock-free admin reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a circuit breaker from config.
func New(cfg config.CircuitBreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

// Allow reports whether a request may proceed. When the open timeout has
// elapsed the calling request becomes the half-open probe; concurrent
// callers while the probe is in flight are rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		if b.probeInFlight {
			b.totalRejected.Add(1)
			return false
		}
		b.probeInFlight = true
		return true
	}

	return false
}

// RecordSuccess records a successful call. A half-open probe success
// closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.probeInFlight = false
	}
}

// RecordFailure records a failed call. Reaching the threshold opens the
// breaker; a half-open probe failure reopens it and resets openedAt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var openedAt string
	if !b.openedAt.IsZero() {
		openedAt = b.openedAt.UTC().Format(time.RFC3339)
	}

	return Snapshot{
		State:               b.state.String(),
		Mode:                "local",
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.failureThreshold,
		OpenedAt:            openedAt,
		ProbeInFlight:       b.probeInFlight,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	State               string `json:"state"`
	Mode                string `json:"mode"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	OpenedAt            string `json:"opened_at,omitempty"`
	ProbeInFlight       bool   `json:"probe_in_flight"`
	TotalRequests       int64  `json:"total_requests"`
	TotalFailures       int64  `json:"total_failures"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalRejected       int64  `json:"total_rejected"`
}
