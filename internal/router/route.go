package router

import (
	"net/http"
	"sort"
	"strings"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Route is a path-matching rule mapping to an upstream cluster and a
// middleware chain. Routes inside a published Table are immutable.
type Route struct {
	Pattern     string
	Methods     map[string]bool // nil = all methods
	ClusterName string
	Cluster     *upstream.Cluster
	Middlewares []string
	Metadata    map[string]string
	RateLimit   config.RateLimitConfig

	// Handler is the fully assembled pipeline for this route (middleware
	// stages wrapping the proxy executor), built once per snapshot.
	Handler http.Handler

	order int // registration order, breaks specificity ties
}

// MethodList returns the route's methods in stable order, or nil when
// all methods are allowed.
func (r *Route) MethodList() []string {
	if r.Methods == nil {
		return nil
	}
	out := make([]string, 0, len(r.Methods))
	for m := range r.Methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Match is the result of a successful lookup.
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
