package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/octopusgw/octopus/internal/errors"
)

// matchCacheSize bounds the per-table cache of resolved static paths.
// Parameterized and wildcard matches are cached too since the table is
// immutable: a path always resolves to the same route and params.
const matchCacheSize = 1024

type cachedMatch struct {
	route  *Route
	params map[string]string
}

// Table is an immutable routing snapshot. Build one with NewTable and
// publish it through Router.Swap; a table is never mutated after
// construction, so reads need no locking.
type Table struct {
	root    *node
	routes  []*Route
	version uint64
	hash    uint64
	cache   *lru.Cache[string, cachedMatch]
}

// NewTable builds a snapshot from the given routes. Routes are inserted
// in slice order; any pattern conflict or duplicate method registration
// rejects the whole set.
func NewTable(routes []*Route, version uint64) (*Table, error) {
	root := newNode()
	for i, r := range routes {
		if r.Pattern == "" {
			return nil, errors.ErrInvalidRouteSet.WithDetails(
				fmt.Sprintf("route %d has an empty pattern", i))
		}
		r.order = i
		if err := root.insert(r); err != nil {
			return nil, errors.ErrInvalidRouteSet.WithDetails(err.Error())
		}
	}

	cache, err := lru.New[string, cachedMatch](matchCacheSize)
	if err != nil {
		return nil, err
	}

	return &Table{
		root:    root,
		routes:  routes,
		version: version,
		hash:    hashRoutes(routes),
		cache:   cache,
	}, nil
}

// Version returns the monotonic generation counter assigned at build.
func (t *Table) Version() uint64 { return t.version }

// Hash returns the content hash of the route set. Two tables built from
// semantically identical route sets hash equal regardless of version.
func (t *Table) Hash() uint64 { return t.hash }

// Routes returns the route set in registration order. Callers must not
// mutate the returned slice.
func (t *Table) Routes() []*Route { return t.routes }

// Match resolves a method and path against the table. A nil error means
// the returned Match is valid; otherwise the error is ErrRouteNotFound
// or a method-not-allowed error carrying the Allow set.
func (t *Table) Match(method, path string) (*Match, error) {
	key := method + " " + path
	if c, ok := t.cache.Get(key); ok {
		if c.route == nil {
			return nil, errors.ErrRouteNotFound
		}
		return &Match{Route: c.route, PathParams: copyParams(c.params)}, nil
	}

	segments := splitPath(path)
	route, params := t.root.lookup(segments, method, nil)
	if route != nil {
		t.cache.Add(key, cachedMatch{route: route, params: params})
		return &Match{Route: route, PathParams: copyParams(params)}, nil
	}

	allowed := make(map[string]bool)
	t.root.collectAllowed(segments, allowed)
	if len(allowed) > 0 {
		return nil, &MethodNotAllowedError{Allowed: sortedMethods(allowed)}
	}

	t.cache.Add(key, cachedMatch{})
	return nil, errors.ErrRouteNotFound
}

// copyParams clones the cached parameter map. Matches hand their
// params to per-request state that callers may mutate, so the cache
// entry must never be shared.
func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// MethodNotAllowedError reports a path that exists under other methods.
type MethodNotAllowedError struct {
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return "method not allowed, allowed: " + strings.Join(e.Allowed, ", ")
}

// hashRoutes digests the fields that define routing behavior. Field
// order within a route and route order across the set are both part of
// the identity, except methods which are canonicalized by sorting.
func hashRoutes(routes []*Route) uint64 {
	d := xxhash.New()
	for _, r := range routes {
		d.WriteString(r.Pattern)
		d.WriteString("\x00")
		if r.Methods == nil {
			d.WriteString(methodAny)
		} else {
			d.WriteString(strings.Join(r.MethodList(), ","))
		}
		d.WriteString("\x00")
		d.WriteString(r.ClusterName)
		d.WriteString("\x00")
		d.WriteString(strings.Join(r.Middlewares, ","))
		d.WriteString("\x00")
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.WriteString(k)
			d.WriteString("=")
			d.WriteString(r.Metadata[k])
			d.WriteString(";")
		}
		d.WriteString("\x1e")
	}
	return d.Sum64()
}
