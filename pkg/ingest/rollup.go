package ingest

import (
	"sync"
	"time"
)

// window is a fixed-size ring of time buckets, each counting up/total probe
// evaluations. Advancing past the newest bucket clears whichever buckets the
// gap skipped over, so a window that's gone idle doesn't report stale data
//.
type window struct {
	bucketWidth time.Duration
	buckets     []bucket
	anchor      time.Time // start time of buckets[0]
}

type bucket struct {
	up    int
	total int
}

func newWindow(bucketWidth time.Duration, count int, now time.Time) *window {
	return &window{
		bucketWidth: bucketWidth,
		buckets:     make([]bucket, count),
		anchor:      now.Truncate(bucketWidth),
	}
}

// record advances the ring to now (clearing skipped buckets) and tallies one
// evaluation into the current bucket.
func (w *window) record(now time.Time, up bool) {
	w.advance(now)
	idx := w.currentIndex(now)
	w.buckets[idx].total++
	if up {
		w.buckets[idx].up++
	}
}

func (w *window) advance(now time.Time) {
	elapsed := now.Truncate(w.bucketWidth).Sub(w.anchor)
	steps := int(elapsed / w.bucketWidth)
	if steps <= 0 {
		return
	}
	n := len(w.buckets)
	if steps >= n {
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.anchor = now.Truncate(w.bucketWidth).Add(-time.Duration(n-1) * w.bucketWidth)
		return
	}
	// rotate left by `steps`, zeroing the vacated tail
	copy(w.buckets, w.buckets[steps:])
	for i := n - steps; i < n; i++ {
		w.buckets[i] = bucket{}
	}
	w.anchor = w.anchor.Add(time.Duration(steps) * w.bucketWidth)
}

func (w *window) currentIndex(now time.Time) int {
	elapsed := now.Truncate(w.bucketWidth).Sub(w.anchor)
	idx := int(elapsed / w.bucketWidth)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(w.buckets) {
		idx = len(w.buckets) - 1
	}
	return idx
}

// uptimePct returns the window's aggregate uptime percentage, or 100 if it
// has no evaluations yet (an unprobed window shouldn't read as "down").
func (w *window) uptimePct() float64 {
	var up, total int
	for _, b := range w.buckets {
		up += b.up
		total += b.total
	}
	if total == 0 {
		return 100
	}
	return 100 * float64(up) / float64(total)
}

// Rollup holds a service's rolling 24h/7d/30d uptime windows.
type Rollup struct {
	Day24h *window
	Day7d  *window
	Day30d *window
}

// Snapshot is the JSON shape of a Rollup's current uptime percentages, for
// the public status page cache.
type Snapshot struct {
	Uptime24h float64 `json:"uptime_24h"`
	Uptime7d  float64 `json:"uptime_7d"`
	Uptime30d float64 `json:"uptime_30d"`
}

func newRollup(now time.Time) *Rollup {
	return &Rollup{
		Day24h: newWindow(10*time.Minute, 144, now),
		Day7d:  newWindow(time.Hour, 168, now),
		Day30d: newWindow(24*time.Hour, 30, now),
	}
}

func (r *Rollup) record(now time.Time, up bool) {
	r.Day24h.record(now, up)
	r.Day7d.record(now, up)
	r.Day30d.record(now, up)
}

func (r *Rollup) snapshot() Snapshot {
	return Snapshot{
		Uptime24h: r.Day24h.uptimePct(),
		Uptime7d:  r.Day7d.uptimePct(),
		Uptime30d: r.Day30d.uptimePct(),
	}
}

// rollupStore is the in-memory registry of per-service Rollups, one per
// aggregator process. Kept process-local (not shared via Redis) since it's
// a rolling cache, not a source of truth — probe_results in Postgres is.
type rollupStore struct {
	mu    sync.Mutex
	byKey map[string]*Rollup
}

func newRollupStore() *rollupStore {
	return &rollupStore{byKey: make(map[string]*Rollup)}
}

func (s *rollupStore) record(serviceID string, now time.Time, up bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[serviceID]
	if !ok {
		r = newRollup(now)
		s.byKey[serviceID] = r
	}
	r.record(now, up)
	return r.snapshot()
}
