// Package admin serves the read-only observability endpoint: route
// table, cluster and breaker state, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/octopusgw/octopus/internal/metrics"
	"github.com/octopusgw/octopus/internal/router"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Handler exposes gateway state. All endpoints are read-only; writes
// are rejected.
type Handler struct {
	router    *router.Router
	registry  *upstream.Registry
	metrics   *metrics.Metrics
	startTime time.Time
	mux       *http.ServeMux
}

// New creates the admin handler.
func New(rt *router.Router, reg *upstream.Registry, m *metrics.Metrics) *Handler {
	h := &Handler{
		router:    rt,
		registry:  reg,
		metrics:   m,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/routes", h.handleRoutes)
	h.mux.HandleFunc("/clusters", h.handleClusters)
	if m != nil {
		h.mux.HandleFunc("/metrics", h.handleMetrics)
	}

	return h
}

// handleMetrics refreshes the per-instance state gauges from the
// registry before handing off to the Prometheus exporter, so breaker
// and health state are current at every scrape without touching the
// request hot path.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	for name, cs := range h.registry.Snapshot() {
		for _, is := range cs.Instances {
			h.metrics.SetInstanceHealthy(name, is.Key, is.Health == "healthy")
			if is.Breaker != nil {
				h.metrics.SetBreakerState(name, is.Key, metrics.BreakerStateValue(is.Breaker.State))
			}
		}
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "admin endpoint is read-only", http.StatusMethodNotAllowed)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

// routeView is the admin representation of one route.
type routeView struct {
	Pattern     string   `json:"pattern"`
	Methods     []string `json:"methods,omitempty"` // empty = all
	Cluster     string   `json:"cluster"`
	Middlewares []string `json:"middlewares,omitempty"`
}

func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	table := h.router.Table()
	routes := table.Routes()

	views := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, routeView{
			Pattern:     rt.Pattern,
			Methods:     rt.MethodList(),
			Cluster:     rt.ClusterName,
			Middlewares: rt.Middlewares,
		})
	}

	writeJSON(w, map[string]any{
		"version": table.Version(),
		"hash":    table.Hash(),
		"count":   len(views),
		"routes":  views,
	})
}

func (h *Handler) handleClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.registry.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
