package router

import (
	"testing"

	"github.com/octopusgw/octopus/internal/errors"
)

func methods(ms ...string) map[string]bool {
	out := make(map[string]bool, len(ms))
	for _, m := range ms {
		out[m] = true
	}
	return out
}

func mustTable(t *testing.T, routes []*Route) *Table {
	t.Helper()
	tbl, err := NewTable(routes, 1)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestTableMatchLiteral(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/api/users", Methods: methods("GET"), ClusterName: "users"},
	})

	m, err := tbl.Match("GET", "/api/users")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "users" {
		t.Errorf("cluster = %q, want users", m.Route.ClusterName)
	}
	if len(m.PathParams) != 0 {
		t.Errorf("params = %v, want none", m.PathParams)
	}
}

func TestTableMatchParams(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/users/:id/orders/:oid", ClusterName: "orders"},
	})

	m, err := tbl.Match("GET", "/users/42/orders/7")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.PathParams["id"] != "42" || m.PathParams["oid"] != "7" {
		t.Errorf("params = %v, want id=42 oid=7", m.PathParams)
	}
}

func TestTableMatchWildcard(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/static/*filepath", ClusterName: "assets"},
	})

	m, err := tbl.Match("GET", "/static/css/site/main.css")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got := m.PathParams["filepath"]; got != "css/site/main.css" {
		t.Errorf("filepath = %q, want css/site/main.css", got)
	}
}

func TestTableLiteralBeatsParam(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/users/:id", ClusterName: "byid"},
		{Pattern: "/users/active", ClusterName: "active"},
	})

	m, err := tbl.Match("GET", "/users/active")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "active" {
		t.Errorf("cluster = %q, want active", m.Route.ClusterName)
	}

	m, err = tbl.Match("GET", "/users/99")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "byid" || m.PathParams["id"] != "99" {
		t.Errorf("got cluster %q params %v, want byid id=99", m.Route.ClusterName, m.PathParams)
	}
}

func TestTableParamBeatsWildcard(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/files/*rest", ClusterName: "wild"},
		{Pattern: "/files/:name", ClusterName: "param"},
	})

	m, err := tbl.Match("GET", "/files/report.pdf")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "param" {
		t.Errorf("cluster = %q, want param", m.Route.ClusterName)
	}

	m, err = tbl.Match("GET", "/files/2024/q1/report.pdf")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "wild" {
		t.Errorf("cluster = %q, want wild", m.Route.ClusterName)
	}
}

func TestTableBacktracksOnDeadEnd(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/a/b/c", ClusterName: "literal"},
		{Pattern: "/a/:x/d", ClusterName: "param"},
	})

	m, err := tbl.Match("GET", "/a/b/d")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "param" || m.PathParams["x"] != "b" {
		t.Errorf("got cluster %q params %v, want param x=b", m.Route.ClusterName, m.PathParams)
	}
}

func TestTableNotFound(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/api/users", ClusterName: "users"},
	})

	_, err := tbl.Match("GET", "/api/orders")
	ge, ok := errors.AsGatewayError(err)
	if !ok || ge.Kind != errors.KindRouteNotFound {
		t.Fatalf("err = %v, want route_not_found", err)
	}
}

func TestTableMethodNotAllowed(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/api/users", Methods: methods("GET", "POST"), ClusterName: "users"},
	})

	_, err := tbl.Match("DELETE", "/api/users")
	mna, ok := err.(*MethodNotAllowedError)
	if !ok {
		t.Fatalf("err = %T (%v), want MethodNotAllowedError", err, err)
	}
	if len(mna.Allowed) != 2 || mna.Allowed[0] != "GET" || mna.Allowed[1] != "POST" {
		t.Errorf("allowed = %v, want [GET POST]", mna.Allowed)
	}
}

func TestTableMethodFallsThroughSpecificity(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/users/active", Methods: methods("POST"), ClusterName: "activate"},
		{Pattern: "/users/:id", Methods: methods("GET"), ClusterName: "byid"},
	})

	m, err := tbl.Match("GET", "/users/active")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.Route.ClusterName != "byid" || m.PathParams["id"] != "active" {
		t.Errorf("got cluster %q params %v, want byid id=active", m.Route.ClusterName, m.PathParams)
	}

	_, err = tbl.Match("DELETE", "/users/active")
	mna, ok := err.(*MethodNotAllowedError)
	if !ok {
		t.Fatalf("err = %T (%v), want MethodNotAllowedError", err, err)
	}
	if len(mna.Allowed) != 2 || mna.Allowed[0] != "GET" || mna.Allowed[1] != "POST" {
		t.Errorf("allowed = %v, want [GET POST]", mna.Allowed)
	}
}

func TestTableRejectsDuplicates(t *testing.T) {
	cases := [][]*Route{
		{
			{Pattern: "/x", ClusterName: "a"},
			{Pattern: "/x", ClusterName: "b"},
		},
		{
			{Pattern: "/x", Methods: methods("GET"), ClusterName: "a"},
			{Pattern: "/x", Methods: methods("GET", "POST"), ClusterName: "b"},
		},
		{
			{Pattern: "/u/:id", ClusterName: "a"},
			{Pattern: "/u/:uid/x", ClusterName: "b"},
		},
	}

	for i, routes := range cases {
		if _, err := NewTable(routes, 1); err == nil {
			t.Errorf("case %d: NewTable accepted conflicting routes", i)
		}
	}
}

func TestTableHashIgnoresOrderWithinMethods(t *testing.T) {
	a := mustTable(t, []*Route{
		{Pattern: "/x", Methods: methods("GET", "POST"), ClusterName: "c"},
	})
	b := mustTable(t, []*Route{
		{Pattern: "/x", Methods: methods("POST", "GET"), ClusterName: "c"},
	})
	if a.Hash() != b.Hash() {
		t.Error("hash differs for identical route sets")
	}

	c := mustTable(t, []*Route{
		{Pattern: "/x", Methods: methods("GET", "POST"), ClusterName: "other"},
	})
	if a.Hash() == c.Hash() {
		t.Error("hash equal for differing route sets")
	}
}

func TestTableMatchCached(t *testing.T) {
	tbl := mustTable(t, []*Route{
		{Pattern: "/users/:id", ClusterName: "byid"},
	})

	first, err := tbl.Match("GET", "/users/7")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	second, err := tbl.Match("GET", "/users/7")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if first.Route != second.Route || second.PathParams["id"] != "7" {
		t.Error("cached match differs from first resolution")
	}
}

func TestRouterSwapIdempotent(t *testing.T) {
	r := New()

	routes := []*Route{{Pattern: "/api", ClusterName: "api"}}
	t1 := mustTable(t, routes)
	if !r.Swap(t1) {
		t.Fatal("first swap skipped")
	}

	t2, err := NewTable([]*Route{{Pattern: "/api", ClusterName: "api"}}, 2)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if r.Swap(t2) {
		t.Error("swap of identical route set not skipped")
	}
	if r.Table() != t1 {
		t.Error("active table replaced by identical set")
	}

	t3, err := NewTable([]*Route{{Pattern: "/api/v2", ClusterName: "api"}}, 3)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if !r.Swap(t3) {
		t.Error("swap of changed route set skipped")
	}
	if r.Table() != t3 {
		t.Error("active table not updated")
	}
}

func TestRouterMatchOnEmptyTable(t *testing.T) {
	r := New()
	_, err := r.Match("GET", "/anything")
	ge, ok := errors.AsGatewayError(err)
	if !ok || ge.Kind != errors.KindRouteNotFound {
		t.Fatalf("err = %v, want route_not_found", err)
	}
}

func TestMatchParamsNotShared(t *testing.T) {
	table := mustTable(t, []*Route{{Pattern: "/users/:id"}})

	first, err := table.Match("GET", "/users/42")
	if err != nil {
		t.Fatal(err)
	}
	first.PathParams["id"] = "mutated"

	second, err := table.Match("GET", "/users/42")
	if err != nil {
		t.Fatal(err)
	}
	if second.PathParams["id"] != "42" {
		t.Errorf("id = %q, cached params leaked a caller mutation", second.PathParams["id"])
	}
}
