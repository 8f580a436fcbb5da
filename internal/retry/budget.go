package retry

import (
	"golang.org/x/time/rate"

	"github.com/octopusgw/octopus/internal/config"
)

// Budget caps the cluster-wide retry rate with a token bucket so a
// failing upstream does not amplify load through retries. A zero rate
// disables the cap.
type Budget struct {
	limiter *rate.Limiter
}

// NewBudget creates a budget from config.
func NewBudget(cfg config.BudgetConfig) *Budget {
	if cfg.RetriesPerSecond <= 0 {
		return &Budget{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RetriesPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Budget{limiter: rate.NewLimiter(rate.Limit(cfg.RetriesPerSecond), burst)}
}

// Allow consumes one retry token, or reports false when the budget is
// exhausted. An unlimited budget always allows.
func (b *Budget) Allow() bool {
	if b.limiter == nil {
		return true
	}
	return b.limiter.Allow()
}
