// Package routesync turns validated configuration into published route
// tables: clusters are applied to the registry, route handlers are
// assembled, and the finished table swaps in atomically.
package routesync

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/errors"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/metrics"
	"github.com/octopusgw/octopus/internal/middleware"
	"github.com/octopusgw/octopus/internal/proxy"
	"github.com/octopusgw/octopus/internal/router"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Synchronizer builds and publishes route tables. Apply is serialized;
// a failed apply leaves the previous table serving.
type Synchronizer struct {
	router      *router.Router
	registry    *upstream.Registry
	middlewares *middleware.Registry
	executor    *proxy.Executor
	metrics     *metrics.Metrics

	mu            sync.Mutex
	lastTransport map[string]transportKey
}

// transportKey captures the config that shapes a cluster's transport.
type transportKey struct {
	transport config.TransportConfig
	timeout   string
}

// Config holds synchronizer dependencies.
type Config struct {
	Router      *router.Router
	Registry    *upstream.Registry
	Middlewares *middleware.Registry
	Executor    *proxy.Executor
	Metrics     *metrics.Metrics
}

// New creates a synchronizer.
func New(cfg Config) *Synchronizer {
	return &Synchronizer{
		router:        cfg.Router,
		registry:      cfg.Registry,
		middlewares:   cfg.Middlewares,
		executor:      cfg.Executor,
		metrics:       cfg.Metrics,
		lastTransport: make(map[string]transportKey),
	}
}

// Apply installs a full configuration: clusters first so routes can
// bind to them, then a new route table. Applying the same config twice
// is a no-op for the table; instance state always carries over.
func (s *Synchronizer) Apply(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.Apply(cfg.Clusters); err != nil {
		return fmt.Errorf("apply clusters: %w", err)
	}
	s.invalidateChangedTransports(cfg.Clusters)

	routes, err := s.buildRoutes(cfg.Routes)
	if err != nil {
		return err
	}

	table, err := router.NewTable(routes, s.router.NextVersion())
	if err != nil {
		return err
	}

	if s.router.Swap(table) && s.metrics != nil {
		s.metrics.RecordTableSwap()
	}
	return nil
}

// buildRoutes assembles each route's handler: the middleware chain
// wrapping the cluster's proxy executor.
func (s *Synchronizer) buildRoutes(cfgs []config.RouteConfig) ([]*router.Route, error) {
	routes := make([]*router.Route, 0, len(cfgs))
	for _, rc := range cfgs {
		cluster, ok := s.registry.Get(rc.Cluster)
		if !ok {
			return nil, errors.ErrInvalidRouteSet.WithDetails(
				fmt.Sprintf("route %q references unknown cluster %q", rc.Pattern, rc.Cluster))
		}

		rc = withImplicitStages(rc)
		chain, err := s.middlewares.Build(rc)
		if err != nil {
			return nil, errors.ErrInvalidRouteSet.WithDetails(err.Error())
		}

		var methods map[string]bool
		if len(rc.Methods) > 0 {
			methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}

		routes = append(routes, &router.Route{
			Pattern:     rc.Pattern,
			Methods:     methods,
			ClusterName: rc.Cluster,
			Cluster:     cluster,
			Middlewares: rc.Middlewares,
			Metadata:    rc.Metadata,
			RateLimit:   rc.RateLimit,
			Handler:     chain.Then(s.executor.Handler(cluster)),
		})
	}
	return routes, nil
}

// withImplicitStages appends stages implied by route config, like a
// rate limit block without an explicit stage reference.
func withImplicitStages(rc config.RouteConfig) config.RouteConfig {
	if !rc.RateLimit.Enabled {
		return rc
	}
	for _, name := range rc.Middlewares {
		if name == "rate_limit" {
			return rc
		}
	}
	out := rc
	out.Middlewares = append(append([]string{}, rc.Middlewares...), "rate_limit")
	return out
}

// invalidateChangedTransports drops pooled transports for clusters
// whose connection settings changed, so the next request dials with
// the new settings.
func (s *Synchronizer) invalidateChangedTransports(clusters []config.ClusterConfig) {
	seen := make(map[string]bool, len(clusters))
	for _, cc := range clusters {
		seen[cc.Name] = true
		key := transportKey{transport: cc.Transport, timeout: cc.Timeout.String()}
		if prev, ok := s.lastTransport[cc.Name]; ok && prev != key {
			s.executor.Pool().Invalidate(cc.Name)
			logging.Info("transport settings changed, pool invalidated",
				zap.String("cluster", cc.Name))
		}
		s.lastTransport[cc.Name] = key
	}
	for name := range s.lastTransport {
		if !seen[name] {
			s.executor.Pool().Invalidate(name)
			delete(s.lastTransport, name)
		}
	}
}
