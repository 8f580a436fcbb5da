// Package gateway wires the routing, upstream and proxy components
// into the request-serving core.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/errors"
	"github.com/octopusgw/octopus/internal/health"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/metrics"
	"github.com/octopusgw/octopus/internal/middleware"
	"github.com/octopusgw/octopus/internal/proxy"
	"github.com/octopusgw/octopus/internal/reqctx"
	"github.com/octopusgw/octopus/internal/router"
	"github.com/octopusgw/octopus/internal/routesync"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Gateway is the request-serving core: it matches requests against the
// active route table and hands them to the matched route's pipeline.
type Gateway struct {
	router      *router.Router
	registry    *upstream.Registry
	middlewares *middleware.Registry
	executor    *proxy.Executor
	tracker     *health.Tracker
	sync        *routesync.Synchronizer
	metrics     *metrics.Metrics
	handler     http.Handler

	checkerMu sync.Mutex
	checker   *health.Checker
}

// New creates a gateway and applies the initial configuration.
func New(cfg *config.Config) (*Gateway, error) {
	m := metrics.New()
	tracker := health.NewTracker()
	executor := proxy.NewExecutor(proxy.Config{
		Tracker: tracker,
		Metrics: m,
	})
	registry := upstream.NewRegistry()
	rt := router.New()
	stages := middleware.NewRegistry()

	g := &Gateway{
		router:      rt,
		registry:    registry,
		middlewares: stages,
		executor:    executor,
		tracker:     tracker,
		metrics:     m,
	}
	g.sync = routesync.New(routesync.Config{
		Router:      rt,
		Registry:    registry,
		Middlewares: stages,
		Executor:    executor,
		Metrics:     m,
	})

	// The ingress chain runs for every request, matched or not.
	ingress := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
	)
	if cfg.AccessLog.Enabled {
		ingress = ingress.Append(middleware.AccessLog(cfg.AccessLog))
	}
	g.handler = ingress.Then(http.HandlerFunc(g.dispatch))

	if err := g.Apply(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Apply installs a configuration and restarts active health probing
// over the resulting cluster set. Safe to call while serving.
func (g *Gateway) Apply(cfg *config.Config) error {
	if err := g.sync.Apply(cfg); err != nil {
		return err
	}

	g.checkerMu.Lock()
	defer g.checkerMu.Unlock()
	if g.checker != nil {
		g.checker.Stop()
	}
	g.checker = health.NewChecker(g.registry)
	g.checker.Start()
	return nil
}

// Router returns the route table holder, for the admin surface.
func (g *Gateway) Router() *router.Router { return g.router }

// Registry returns the cluster registry, for the admin surface.
func (g *Gateway) Registry() *upstream.Registry { return g.registry }

// Metrics returns the gateway's metric set.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Middlewares returns the stage registry so embedders can add stages
// before the first Apply.
func (g *Gateway) Middlewares() *middleware.Registry { return g.middlewares }

// Close releases background resources.
func (g *Gateway) Close() error {
	g.checkerMu.Lock()
	if g.checker != nil {
		g.checker.Stop()
		g.checker = nil
	}
	g.checkerMu.Unlock()

	g.executor.Pool().Close()
	return g.registry.Close()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	done := g.metrics.RequestStarted()
	defer done()

	c := reqctx.Acquire(r)
	r = reqctx.WithRequest(r, c)
	c.Request = r

	g.handler.ServeHTTP(w, r)

	status := c.Status
	if status == 0 {
		status = http.StatusOK
	}
	pattern := c.Pattern
	if pattern == "" {
		pattern = "unmatched"
	}
	g.metrics.RecordRequest(pattern, r.Method, status, time.Since(c.StartTime))

	reqctx.Release(c)
}

// dispatch resolves the route and runs its pipeline.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	c := reqctx.FromRequest(r)

	m, err := g.router.Match(r.Method, r.URL.Path)
	if err != nil {
		g.writeMatchError(w, c, err)
		return
	}

	c.Pattern = m.Route.Pattern
	c.Cluster = m.Route.ClusterName
	c.PathParams = m.PathParams

	m.Route.Handler.ServeHTTP(w, r)
}

func (g *Gateway) writeMatchError(w http.ResponseWriter, c *reqctx.Context, err error) {
	if mna, ok := err.(*router.MethodNotAllowedError); ok {
		if c != nil {
			c.GatewayError = string(errors.KindMethodNotAllowed)
			c.Status = http.StatusMethodNotAllowed
		}
		errors.WriteMethodNotAllowed(w, mna.Allowed)
		return
	}

	ge, ok := errors.AsGatewayError(err)
	if !ok {
		logging.Error("unexpected match error", zap.Error(err))
		ge = errors.ErrRouteNotFound
	}
	if c != nil {
		if c.RequestID != "" {
			ge = ge.WithRequestID(c.RequestID)
		}
		c.GatewayError = string(ge.Kind)
		c.Status = ge.Code
	}
	ge.WriteJSON(w)
}
