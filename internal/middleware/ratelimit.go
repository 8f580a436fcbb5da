package middleware

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/errors"
	"github.com/octopusgw/octopus/internal/reqctx"
)

// RateLimit short-circuits with 429 when the route's token bucket is
// empty. The bucket is shared by all requests to the route.
func RateLimit(cfg config.RateLimitConfig) (Middleware, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.Rate), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				ge := errors.New(errors.KindMiddlewareAborted,
					http.StatusTooManyRequests, "rate limit exceeded")
				if c := reqctx.FromRequest(r); c != nil {
					ge = ge.WithRequestID(c.RequestID)
					c.GatewayError = string(ge.Kind)
					c.Status = ge.Code
				}
				ge.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
