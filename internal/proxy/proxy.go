// Package proxy forwards requests to upstream instances, streaming
// response bodies and retrying failed attempts on other instances.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/errors"
	"github.com/octopusgw/octopus/internal/health"
	"github.com/octopusgw/octopus/internal/loadbalancer"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/metrics"
	"github.com/octopusgw/octopus/internal/reqctx"
	"github.com/octopusgw/octopus/internal/retry"
	"github.com/octopusgw/octopus/internal/upstream"
)

// maxReplayBodyBytes caps how much of a request body is buffered so a
// failed attempt can be replayed. Larger bodies proxy in one attempt.
const maxReplayBodyBytes = 1 << 20

// Executor proxies requests to cluster instances. One handler per
// route is built at table construction; the executor itself is shared.
type Executor struct {
	pool    *TransportPool
	tracker *health.Tracker
	metrics *metrics.Metrics
}

// Config holds executor dependencies.
type Config struct {
	TransportPool *TransportPool
	Tracker       *health.Tracker
	Metrics       *metrics.Metrics
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) *Executor {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = health.NewTracker()
	}
	return &Executor{
		pool:    pool,
		tracker: tracker,
		metrics: cfg.Metrics,
	}
}

// Pool returns the transport pool for reload invalidation.
func (e *Executor) Pool() *TransportPool {
	return e.pool
}

// Handler returns the proxy handler for one cluster. The retry policy
// and transport bind once here, at route table build.
func (e *Executor) Handler(cluster *upstream.Cluster) http.Handler {
	policy := retry.NewPolicy(cluster.Retry)
	transport := e.pool.Get(cluster)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, cluster, policy, transport)
	})
}

func (e *Executor) serve(w http.ResponseWriter, r *http.Request, cluster *upstream.Cluster, policy *retry.Policy, transport http.RoundTripper) {
	c := reqctx.FromRequest(r)
	policy.Metrics.Requests.Add(1)

	// Small bodies are buffered so a failed attempt can be replayed on
	// another instance; everything else streams and forfeits retries.
	var bodyBytes []byte
	replayable := r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
	if !replayable && policy.MaxAttempts > 1 && r.ContentLength > 0 && r.ContentLength <= maxReplayBodyBytes {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			e.writeError(w, c, errors.ErrConnectFailure.WithDetails("failed to read request body"))
			return
		}
		bodyBytes = b
		replayable = true
	}

	exclude := make(map[string]bool)
	bo := policy.NewBackOff()

	var lastFailure string

	for attempt := 1; ; attempt++ {
		inst := cluster.Select(exclude)
		if inst == nil {
			if attempt == 1 {
				e.writeError(w, c, errors.ErrNoHealthyUpstream)
			} else {
				e.writeError(w, c, errors.ErrRetryExhausted.WithDetails(lastFailure))
			}
			return
		}

		if c != nil {
			c.Attempt = attempt
			c.UpstreamAddr = inst.Key()
		}

		req := e.buildRequest(r, inst, bodyBytes)

		// The cluster timeout is a hard deadline over connect plus
		// response headers. The timer stops once headers arrive, so
		// body streaming runs under the idle timeout instead.
		cancelAttempt := context.CancelFunc(func() {})
		var attemptTimer *time.Timer
		if cluster.Timeout > 0 {
			var attemptCtx context.Context
			attemptCtx, cancelAttempt = context.WithCancel(r.Context())
			attemptTimer = time.AfterFunc(cluster.Timeout, cancelAttempt)
			req = req.WithContext(attemptCtx)
		}

		inst.IncrActive()
		start := time.Now()
		resp, err := transport.RoundTrip(req)
		elapsed := time.Since(start)
		inst.DecrActive()

		timedOut := false
		if attemptTimer != nil {
			timedOut = !attemptTimer.Stop()
		}

		if err != nil {
			cancelAttempt()
			if stderrors.Is(err, context.Canceled) && r.Context().Err() != nil {
				// Client went away; nothing left to answer.
				e.report(cluster, inst, health.OutcomeConnectError)
				return
			}

			if timedOut {
				err = fmt.Errorf("attempt deadline %s exceeded: %w", cluster.Timeout, context.DeadlineExceeded)
			}
			outcome := classifyError(err)
			e.report(cluster, inst, outcome)
			lastFailure = fmt.Sprintf("%s: %v", inst.Key(), err)

			logging.Warn("upstream attempt failed",
				zap.String("cluster", cluster.Name),
				zap.String("instance", inst.Key()),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))

			if !replayable || !policy.RetryableError(err, r.Method) {
				e.writeError(w, c, errorFor(outcome, err))
				return
			}
			if policy.AllowRetry(attempt) {
				exclude[inst.Key()] = true
				if e.metrics != nil {
					e.metrics.RecordRetry(cluster.Name)
				}
				if sleepBackoff(r.Context(), bo) {
					continue
				}
			}
			// Retryable failure with the attempt budget spent.
			e.writeError(w, c, errors.ErrRetryExhausted.WithDetails(lastFailure))
			return
		}

		outcome := health.ClassifyStatus(resp.StatusCode)
		e.report(cluster, inst, outcome)

		if replayable && policy.RetryableStatus(resp.StatusCode) && policy.RetryableMethod(r.Method) && policy.AllowRetry(attempt) {
			lastFailure = fmt.Sprintf("%s: status %d", inst.Key(), resp.StatusCode)
			drain(resp.Body)
			cancelAttempt()
			exclude[inst.Key()] = true
			if e.metrics != nil {
				e.metrics.RecordRetry(cluster.Name)
			}
			if !sleepBackoff(r.Context(), bo) {
				e.writeError(w, c, errors.ErrRetryExhausted.WithDetails(lastFailure))
				return
			}
			continue
		}

		e.relay(w, resp, cluster, c)
		cancelAttempt()
		return
	}
}

// report feeds one attempt outcome to the tracker and metrics exactly once.
func (e *Executor) report(cluster *upstream.Cluster, inst *loadbalancer.Instance, outcome health.Outcome) {
	e.tracker.Record(cluster, inst, outcome)
	if e.metrics != nil {
		e.metrics.RecordAttempt(cluster.Name, outcome.String())
	}
}

// buildRequest constructs the outbound request for one attempt. The
// URL is built from the instance's pre-parsed base; headers are copied
// with hop-by-hop headers removed and forwarding headers appended.
func (e *Executor) buildRequest(r *http.Request, inst *loadbalancer.Instance, bodyBytes []byte) *http.Request {
	targetURL := *inst.URL
	targetURL.Path = r.URL.Path
	targetURL.RawPath = r.URL.RawPath
	targetURL.RawQuery = r.URL.RawQuery

	var body io.ReadCloser
	contentLength := r.ContentLength
	if bodyBytes != nil {
		body = io.NopCloser(bytes.NewReader(bodyBytes))
		contentLength = int64(len(bodyBytes))
	} else {
		body = r.Body
	}

	// Construct directly to skip the URL.String() + url.Parse round-trip.
	req := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: contentLength,
		Host:          inst.URL.Host,
	}).WithContext(r.Context())

	header := make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		header[k] = vv
	}
	req.Header = header

	if clientIP := clientIP(r); clientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(req.Header)

	// Propagate trace context to the upstream.
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	return req
}

// relay streams the upstream response to the client.
func (e *Executor) relay(w http.ResponseWriter, resp *http.Response, cluster *upstream.Cluster, c *reqctx.Context) {
	defer resp.Body.Close()

	if cluster.IdleTimeout > 0 {
		resp.Body = newIdleTimeoutReader(resp.Body, cluster.IdleTimeout)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	written := copyBody(w, resp.Body)

	if c != nil {
		c.UpstreamStatus = resp.StatusCode
		c.Status = resp.StatusCode
		c.BytesSent = written
	}
}

func (e *Executor) writeError(w http.ResponseWriter, c *reqctx.Context, ge *errors.GatewayError) {
	if c != nil {
		if c.RequestID != "" {
			ge = ge.WithRequestID(c.RequestID)
		}
		c.GatewayError = string(ge.Kind)
		c.Status = ge.Code
	}
	ge.WriteJSON(w)
}

// sleepBackoff waits the next backoff interval, or reports false when
// the client context ends first.
func sleepBackoff(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// classifyError maps a transport error to an outcome.
func classifyError(err error) health.Outcome {
	if stderrors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return health.OutcomeTimeout
	}
	return health.OutcomeConnectError
}

// errorFor maps a final attempt outcome to the client-facing error.
func errorFor(outcome health.Outcome, err error) *errors.GatewayError {
	if outcome == health.OutcomeTimeout {
		return errors.ErrUpstreamTimeout
	}
	return errors.ErrConnectFailure.WithDetails(err.Error())
}

// drain consumes a bounded amount of a discarded body so the
// connection can be reused, then closes it.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// copyHeaders copies headers from source to destination, dropping
// hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the body, flushing after each chunk so long-lived
// responses reach the client incrementally.
func copyBody(w http.ResponseWriter, body io.Reader) int64 {
	var written int64
	if flusher, ok := w.(http.Flusher); ok {
		for {
			n, err := io.CopyN(w, body, 32*1024)
			written += n
			if err != nil {
				break
			}
			flusher.Flush()
		}
		return written
	}
	n, _ := io.Copy(w, body)
	return written + n
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Hop-by-hop headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
