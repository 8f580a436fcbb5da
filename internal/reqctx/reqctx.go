// Package reqctx holds the per-request record created at ingress and
// destroyed at response completion. The record is owned exclusively by
// the handling goroutine for its entire lifetime.
package reqctx

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Context is the single-owner per-request record. Middleware stages mutate
// the metadata bag; the proxy executor records attempt outcomes.
type Context struct {
	Request    *http.Request
	RequestID  string
	Pattern    string            // matched route pattern
	Cluster    string            // cluster reference of the matched route
	PathParams map[string]string // named parameters from the match
	Metadata   map[string]string // mutable bag, written by middleware stages

	// Per-attempt state, set by the proxy executor.
	Attempt      int    // 1-based attempt counter
	UpstreamAddr string // instance selected for the current attempt

	UpstreamStatus int
	StartTime      time.Time
	Status         int
	BytesSent      int64

	// GatewayError is set when the gateway (not the backend) produced the
	// response; read by the access-log stage.
	GatewayError string
}

// SetMeta writes a key into the metadata bag, allocating it on first use.
func (c *Context) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 4)
	}
	c.Metadata[key] = value
}

// Meta reads a key from the metadata bag.
func (c *Context) Meta(key string) (string, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// Acquire gets a Context from the pool and initialises it for r.
func Acquire(r *http.Request) *Context {
	c := contextPool.Get().(*Context)
	c.Request = r
	c.StartTime = time.Now()
	return c
}

// Release zeroes all fields and returns c to the pool. The caller must
// ensure no goroutine reads from c after this call.
func Release(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

type ctxKey struct{}

// WithRequest returns a copy of r whose context carries c.
func WithRequest(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, c))
}

// FromRequest returns the Context attached to r, or nil.
func FromRequest(r *http.Request) *Context {
	c, _ := r.Context().Value(ctxKey{}).(*Context)
	return c
}
