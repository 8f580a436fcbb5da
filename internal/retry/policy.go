package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/octopusgw/octopus/internal/config"
)

// DefaultRetryableStatuses are HTTP status codes that trigger a retry.
var DefaultRetryableStatuses = []int{502, 503, 504}

// DefaultIdempotentMethods are HTTP methods safe to retry after a
// response status; transport errors that occur before any bytes reach
// the upstream are retried for all methods.
var DefaultIdempotentMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}

// Policy decides whether and when a failed attempt may be retried.
// The proxy owns the attempt loop; the policy owns the rules.
type Policy struct {
	MaxAttempts       int // total attempts including the first
	RetryableStatuses map[int]bool
	IdempotentMethods map[string]bool

	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64

	budget  *Budget
	Metrics *Metrics
}

// Metrics tracks retry statistics for a cluster.
type Metrics struct {
	Requests       atomic.Int64
	Retries        atomic.Int64
	BudgetRejected atomic.Int64
	Exhausted      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of retry metrics.
type MetricsSnapshot struct {
	Requests       int64 `json:"requests"`
	Retries        int64 `json:"retries"`
	BudgetRejected int64 `json:"budget_rejected"`
	Exhausted      int64 `json:"exhausted"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:       m.Requests.Load(),
		Retries:        m.Retries.Load(),
		BudgetRejected: m.BudgetRejected.Load(),
		Exhausted:      m.Exhausted.Load(),
	}
}

// NewPolicy creates a retry policy from config.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxAttempts:       cfg.MaxAttempts,
		initialBackoff:    cfg.InitialBackoff,
		maxBackoff:        cfg.MaxBackoff,
		backoffMultiplier: cfg.BackoffMultiplier,
		budget:            NewBudget(cfg.Budget),
		Metrics:           &Metrics{},
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.initialBackoff == 0 {
		p.initialBackoff = 100 * time.Millisecond
	}
	if p.maxBackoff == 0 {
		p.maxBackoff = 10 * time.Second
	}
	if p.backoffMultiplier == 0 {
		p.backoffMultiplier = 2.0
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}

	methods := cfg.IdempotentMethods
	if len(methods) == 0 {
		methods = DefaultIdempotentMethods
	}
	p.IdempotentMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.IdempotentMethods[strings.ToUpper(m)] = true
	}

	return p
}

// NewBackOff returns the backoff sequence for one request's attempts.
// Each request gets its own instance; a BackOff is not safe for
// concurrent use.
func (p *Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxBackoff
	b.Multiplier = p.backoffMultiplier
	b.MaxElapsedTime = 0 // the attempt count is the bound, not wall time
	b.Reset()
	return b
}

// RetryableStatus reports whether the upstream response status warrants
// discarding the response and trying another instance.
func (p *Policy) RetryableStatus(code int) bool {
	return p.RetryableStatuses[code]
}

// RetryableMethod reports whether the method may be retried after the
// request possibly reached the upstream.
func (p *Policy) RetryableMethod(method string) bool {
	return p.IdempotentMethods[method]
}

// RetryableError reports whether a transport error warrants a retry.
// Connection refusals and DNS failures happen before the request is
// sent, so they are retryable regardless of method; timeouts and
// mid-stream resets are only retryable for idempotent methods.
func (p *Policy) RetryableError(err error, method string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return p.RetryableMethod(method)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return p.RetryableMethod(method)
	}
	// An upstream that accepts the connection and aborts before sending
	// headers surfaces as an EOF-class error; same treatment as a reset.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return p.RetryableMethod(method)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return p.RetryableMethod(method)
	}
	return false
}

// AllowRetry gates one more attempt: the attempt count must be under
// the limit and the cluster retry budget must have a token. The
// counter updates happen here so every decision is recorded once.
func (p *Policy) AllowRetry(attempt int) bool {
	if attempt >= p.MaxAttempts {
		p.Metrics.Exhausted.Add(1)
		return false
	}
	if !p.budget.Allow() {
		p.Metrics.BudgetRejected.Add(1)
		return false
	}
	p.Metrics.Retries.Add(1)
	return true
}
