package router

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/logging"
)

// Router holds the active routing table and swaps it atomically.
// Match never observes a partially applied update: requests in flight
// keep the table they started with.
type Router struct {
	table   atomic.Pointer[Table]
	version atomic.Uint64
}

// New returns a router with an empty table installed.
func New() *Router {
	r := &Router{}
	empty, _ := NewTable(nil, 0)
	r.table.Store(empty)
	return r
}

// Table returns the currently active snapshot.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Match resolves a request against the active table.
func (r *Router) Match(method, path string) (*Match, error) {
	return r.table.Load().Match(method, path)
}

// NextVersion reserves a generation number for a table build.
func (r *Router) NextVersion() uint64 {
	return r.version.Add(1)
}

// Swap installs a new table. Returns false without swapping when the
// new table's content hash equals the active one, making repeated
// application of the same route set a no-op.
func (r *Router) Swap(t *Table) bool {
	current := r.table.Load()
	if current != nil && current.Hash() == t.Hash() {
		logging.Debug("route table unchanged, skipping swap",
			zap.Uint64("hash", t.Hash()))
		return false
	}
	r.table.Store(t)
	logging.Info("route table swapped",
		zap.Uint64("version", t.Version()),
		zap.Int("routes", len(t.Routes())))
	return true
}
