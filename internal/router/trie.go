package router

import (
	"fmt"
	"sort"
	"strings"
)

// node is one segment position in the route trie. Literal children win
// over the parameter child, which wins over the wildcard child.
type node struct {
	children      map[string]*node
	paramChild    *node
	paramName     string
	wildcardChild *node
	wildcardName  string

	// routes maps method → route at this terminal position. Routes
	// accepting all methods are stored under methodAny.
	routes map[string]*Route
}

const methodAny = "*"

func newNode() *node {
	return &node{}
}

// insert adds a route to the trie rooted at n. Conflicting routes
// (duplicate pattern+method, or differing parameter names at the same
// position) are rejected.
func (n *node) insert(route *Route) error {
	current := n
	segments := splitPath(route.Pattern)

	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if current.paramChild == nil {
				current.paramChild = newNode()
				current.paramName = name
			} else if current.paramName != name {
				return fmt.Errorf("conflicting parameter names %q and %q at segment %d of %q",
					current.paramName, name, i, route.Pattern)
			}
			current = current.paramChild

		case strings.HasPrefix(seg, "*"):
			name := seg[1:]
			if current.wildcardChild == nil {
				current.wildcardChild = newNode()
				current.wildcardName = name
			} else if current.wildcardName != name {
				return fmt.Errorf("conflicting wildcard names %q and %q in %q",
					current.wildcardName, name, route.Pattern)
			}
			current = current.wildcardChild
			// Wildcard is terminal; validation guarantees it is last.

		default:
			if current.children == nil {
				current.children = make(map[string]*node)
			}
			child, ok := current.children[seg]
			if !ok {
				child = newNode()
				current.children[seg] = child
			}
			current = child
		}
	}

	return current.attach(route)
}

// attach registers the route at a terminal node, rejecting method overlap.
func (n *node) attach(route *Route) error {
	if n.routes == nil {
		n.routes = make(map[string]*Route)
	}

	if route.Methods == nil {
		if len(n.routes) > 0 {
			return fmt.Errorf("duplicate route %q", route.Pattern)
		}
		n.routes[methodAny] = route
		return nil
	}

	if _, ok := n.routes[methodAny]; ok {
		return fmt.Errorf("duplicate route %q", route.Pattern)
	}
	for m := range route.Methods {
		if _, ok := n.routes[m]; ok {
			return fmt.Errorf("duplicate route %q for method %s", route.Pattern, m)
		}
	}
	for m := range route.Methods {
		n.routes[m] = route
	}
	return nil
}

// lookup descends the trie for the given path segments, returning the
// route serving the method. Literal edges are tried first, then the
// parameter edge, then the wildcard edge, backtracking between
// specificity classes; a terminal that matches the path but not the
// method is skipped so a less specific route may still serve it.
func (n *node) lookup(segments []string, method string, params map[string]string) (*Route, map[string]string) {
	if len(segments) == 0 {
		return n.routeFor(method), params
	}

	seg := segments[0]
	rest := segments[1:]

	if child, ok := n.children[seg]; ok {
		if r, p := child.lookup(rest, method, params); r != nil {
			return r, p
		}
	}

	if n.paramChild != nil {
		if r, p := n.paramChild.lookup(rest, method, params); r != nil {
			if p == nil {
				p = make(map[string]string, 2)
			}
			p[n.paramName] = seg
			return r, p
		}
	}

	if n.wildcardChild != nil {
		if r := n.wildcardChild.routeFor(method); r != nil {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[n.wildcardName] = strings.Join(segments, "/")
			return r, params
		}
	}

	return nil, nil
}

// collectAllowed unions the method sets of every terminal the path can
// reach, for the 405 Allow header. Only called when lookup failed, so
// no reachable terminal holds a methodAny route.
func (n *node) collectAllowed(segments []string, into map[string]bool) {
	if len(segments) == 0 {
		for m := range n.routes {
			if m != methodAny {
				into[m] = true
			}
		}
		return
	}

	seg := segments[0]
	rest := segments[1:]

	if child, ok := n.children[seg]; ok {
		child.collectAllowed(rest, into)
	}
	if n.paramChild != nil {
		n.paramChild.collectAllowed(rest, into)
	}
	if n.wildcardChild != nil {
		for m := range n.wildcardChild.routes {
			if m != methodAny {
				into[m] = true
			}
		}
	}
}

// routeFor returns the route serving the given method at a terminal
// node, or nil.
func (n *node) routeFor(method string) *Route {
	if r, ok := n.routes[method]; ok {
		return r
	}
	return n.routes[methodAny]
}

func sortedMethods(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
