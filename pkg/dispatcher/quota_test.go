package dispatcher

import (
	"testing"

	"github.com/google/uuid"
)

func TestQuotaTrackerAllowsUpToBurst(t *testing.T) {
	q := newQuotaTracker()
	nestID := uuid.New()

	allowed := 0
	for i := 0; i < 10; i++ {
		if q.Allow(nestID, 1) {
			allowed++
		}
	}
	if allowed == 0 {
		t.Fatal("expected at least the initial burst to be allowed")
	}
	if allowed == 10 {
		t.Fatal("expected the rate limiter to eventually reject within a tight loop")
	}
}

func TestQuotaTrackerIsolatesNests(t *testing.T) {
	q := newQuotaTracker()
	a, b := uuid.New(), uuid.New()

	for i := 0; i < 5; i++ {
		q.Allow(a, 1)
	}
	if !q.Allow(b, 1) {
		t.Fatal("a busy nest must not exhaust another nest's quota")
	}
}

func TestTierRate(t *testing.T) {
	if tierRate("unlimited") <= tierRate("pro") {
		t.Fatal("unlimited tier must outrank pro")
	}
	if tierRate("pro") <= tierRate("free") {
		t.Fatal("pro tier must outrank free")
	}
	if tierRate("") != tierRate("free") {
		t.Fatal("unknown tier should default to free's rate")
	}
}
