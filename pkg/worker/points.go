package worker

import "go.uber.org/atomic"

// basePoints awards a worker for completing one probe of a given type,
// roughly proportional to the type's cost (an ICMP sweep is cheaper than a
// full TLS handshake and body read). Points are a gamification signal only;
// any conversion to real-world value is handled entirely outside this
// system, so these numbers are never meant to be precise.
var basePoints = map[string]int64{
	"tcp":        1,
	"port":       1,
	"ping":       1,
	"web":        2,
	"keyword":    3,
	"github":     2,
	"uptime-api": 2,
	"heartbeat":  1,
}

// pointsFor awards points only for a successful probe; a down or degraded
// result earns nothing, since points are a gamification signal tied to
// delivering a usable result, not merely attempting one.
func pointsFor(serviceType string, up bool) int64 {
	if !up {
		return 0
	}
	base, ok := basePoints[serviceType]
	if !ok {
		base = 1
	}
	return base
}

// Points tracks a worker's lifetime and current-period point totals with
// lock-free counters, since every concurrent probe goroutine awards points.
type Points struct {
	lifetime atomic.Int64
	period   atomic.Int64
}

// NewPoints creates a zeroed Points tracker.
func NewPoints() *Points {
	return &Points{}
}

// Award adds n points to both the lifetime and current-period totals.
func (p *Points) Award(n int64) {
	p.lifetime.Add(n)
	p.period.Add(n)
}

// Lifetime returns the all-time point total.
func (p *Points) Lifetime() int64 {
	return p.lifetime.Load()
}

// Period returns the point total accumulated since the last ResetPeriod.
func (p *Points) Period() int64 {
	return p.period.Load()
}

// ResetPeriod zeroes the current-period counter, invoked by the
// reset_points_period control command.
func (p *Points) ResetPeriod() {
	p.period.Store(0)
}
