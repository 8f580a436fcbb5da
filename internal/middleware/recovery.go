package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/errors"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/reqctx"
)

// Recovery converts panics below it into 500 responses with the
// gateway error body, so one broken stage cannot kill the listener.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logging.Error("panic recovered",
						zap.Any("error", v),
						zap.ByteString("stack", debug.Stack()),
					)

					ge := errors.ErrMiddlewareAborted.WithDetails(fmt.Sprintf("panic: %v", v))
					if c := reqctx.FromRequest(r); c != nil {
						ge = ge.WithRequestID(c.RequestID)
						c.GatewayError = string(ge.Kind)
						c.Status = ge.Code
					}
					ge.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
