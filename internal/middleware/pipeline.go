package middleware

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/octopusgw/octopus/internal/config"
)

// Middleware is a function that wraps an http.Handler. A stage runs its
// pre-phase before calling next, and its post-phase after next returns;
// short-circuiting is writing the response without calling next.
type Middleware func(http.Handler) http.Handler

// Chain represents an ordered middleware pipeline. The first middleware
// is outermost: its pre-phase runs first and its post-phase runs last.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h with the chain and returns the final handler.
func (c *Chain) Then(h http.Handler) http.Handler {
	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc chains the middlewares with an http.HandlerFunc.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	return c.Then(fn)
}

// Append adds middlewares to the chain and returns a new chain.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)
	out = append(out, middlewares...)
	return &Chain{middlewares: out}
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Factory builds one middleware instance for a route. Route-scoped
// state (a rate limiter bucket, for example) lives in the returned
// closure, so rebuilding the route table resets it.
type Factory func(route config.RouteConfig) (Middleware, error)

// Registry maps stage names to factories. Route configs reference
// stages by name; unknown names reject the route set.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry pre-loaded with the built-in stages.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("request_id", func(config.RouteConfig) (Middleware, error) {
		return RequestID(), nil
	})
	r.Register("rate_limit", func(route config.RouteConfig) (Middleware, error) {
		return RateLimit(route.RateLimit)
	})
	return r
}

// Register adds or replaces a named stage factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build assembles a route's chain from its configured stage names, in
// declaration order.
func (r *Registry) Build(route config.RouteConfig) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	middlewares := make([]Middleware, 0, len(route.Middlewares))
	for _, name := range route.Middlewares {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q on route %q", name, route.Pattern)
		}
		m, err := f(route)
		if err != nil {
			return nil, fmt.Errorf("middleware %q on route %q: %w", name, route.Pattern, err)
		}
		middlewares = append(middlewares, m)
	}
	return NewChain(middlewares...), nil
}
