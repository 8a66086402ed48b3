package dispatcher

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// quotaTracker hands out a per-nest token bucket limiting how many tasks a
// single dispatch tick may publish for that nest, so one noisy tenant can't
// starve dispatch capacity for the rest of the fleet. Limits
// scale with the nest's subscription tier via tierRate.
type quotaTracker struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{limiters: make(map[uuid.UUID]*rate.Limiter)}
}

// Allow reports whether nestID may dispatch one more task this tick,
// lazily creating its bucket sized to ratePerSecond on first use.
func (q *quotaTracker) Allow(nestID uuid.UUID, ratePerSecond int) bool {
	q.mu.Lock()
	limiter, ok := q.limiters[nestID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond*2)
		q.limiters[nestID] = limiter
	}
	q.mu.Unlock()
	return limiter.Allow()
}

// tierRate returns the per-second task quota for a subscription tier.
func tierRate(tier string) int {
	switch tier {
	case "unlimited":
		return 200
	case "pro":
		return 50
	default: // "free"
		return 10
	}
}
