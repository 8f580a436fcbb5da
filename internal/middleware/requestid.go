package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/octopusgw/octopus/internal/reqctx"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request ID on both request and response.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID, trusting an incoming header
// when present, and echoes it on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}

			r.Header.Set(RequestIDHeader, id)
			w.Header().Set(RequestIDHeader, id)

			if c := reqctx.FromRequest(r); c != nil {
				c.RequestID = id
			}

			next.ServeHTTP(w, r)
		})
	}
}
