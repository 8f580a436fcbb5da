// Package metrics exposes gateway counters in Prometheus format on the
// admin endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway collectors on a private registry so tests
// can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
	upstreamAttempts *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	instanceHealthy  *prometheus.GaugeVec
	routeTableSwaps  prometheus.Counter
}

// New creates a metrics set with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Requests currently in flight.",
		}),
		upstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Proxy attempts by cluster and outcome.",
		}, []string{"cluster", "outcome"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retry attempts by cluster.",
		}, []string{"cluster"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per instance: 0 closed, 1 open, 2 half-open.",
		}, []string{"cluster", "instance"}),
		instanceHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_instance_healthy",
			Help: "Instance health per cluster: 1 healthy, 0 otherwise.",
		}, []string{"cluster", "instance"}),
		routeTableSwaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_route_table_swaps_total",
			Help: "Route table snapshot publications.",
		}),
	}
}

// Handler serves the text exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RequestStarted marks a request in flight; the returned func ends it.
func (m *Metrics) RequestStarted() func() {
	m.activeRequests.Inc()
	return m.activeRequests.Dec
}

// RecordAttempt records one proxy attempt outcome for a cluster.
func (m *Metrics) RecordAttempt(cluster, outcome string) {
	m.upstreamAttempts.WithLabelValues(cluster, outcome).Inc()
}

// RecordRetry records one retry for a cluster.
func (m *Metrics) RecordRetry(cluster string) {
	m.retriesTotal.WithLabelValues(cluster).Inc()
}

// SetBreakerState publishes an instance's breaker state.
func (m *Metrics) SetBreakerState(cluster, instance string, state int) {
	m.breakerState.WithLabelValues(cluster, instance).Set(float64(state))
}

// BreakerStateValue maps a breaker state name to its gauge value:
// closed 0, open 1, half_open 2.
func BreakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// SetInstanceHealthy publishes an instance's health.
func (m *Metrics) SetInstanceHealthy(cluster, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.instanceHealthy.WithLabelValues(cluster, instance).Set(v)
}

// RecordTableSwap counts one route table publication.
func (m *Metrics) RecordTableSwap() {
	m.routeTableSwaps.Inc()
}
