package ingest

import (
	"testing"
	"time"
)

func newTestAggregator() *Aggregator {
	return &Aggregator{votes: make(map[string]map[string]regionVote)}
}

func TestVoteMajorityAcrossRegions(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	interval := 60 * time.Second

	a.vote("svc-1", "eu-central-1", "up", now, 3, interval)
	a.vote("svc-1", "us-east-1", "up", now, 3, interval)
	got := a.vote("svc-1", "ap-southeast-1", "down", now, 3, interval)

	if got != "up" {
		t.Fatalf("majority vote = %q, want up", got)
	}
}

func TestVoteFlipsWhenMajorityChanges(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	interval := 60 * time.Second

	a.vote("svc-1", "eu-central-1", "down", now, 3, interval)
	a.vote("svc-1", "us-east-1", "down", now, 3, interval)
	got := a.vote("svc-1", "ap-southeast-1", "up", now, 3, interval)

	if got != "down" {
		t.Fatalf("majority vote = %q, want down", got)
	}
}

func TestVoteIsolatesServices(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	interval := 60 * time.Second

	a.vote("svc-1", "eu-central-1", "down", now, 1, interval)
	got := a.vote("svc-2", "eu-central-1", "up", now, 1, interval)

	if got != "up" {
		t.Fatalf("svc-2 vote = %q, want up (unaffected by svc-1)", got)
	}
}

// TestVoteTwoRegionSplitIsDegraded covers the two-region split seed
// scenario: one region up, one down, is never a strict majority of the two
// configured regions, so the service reads degraded rather than up or down.
func TestVoteTwoRegionSplitIsDegraded(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	interval := 60 * time.Second

	a.vote("svc-1", "eu-central-1", "up", now, 2, interval)
	got := a.vote("svc-1", "us-east-1", "down", now, 2, interval)

	if got != "degraded" {
		t.Fatalf("two-region split vote = %q, want degraded", got)
	}
}

func TestVotePrunesStaleRegionsOutsideWindow(t *testing.T) {
	a := newTestAggregator()
	interval := 60 * time.Second
	start := time.Now()

	// us-east-1 reports down once, then goes silent for well over 2*interval.
	a.vote("svc-1", "us-east-1", "down", start, 2, interval)
	got := a.vote("svc-1", "eu-central-1", "up", start.Add(3*interval), 2, interval)

	// us-east-1's vote is stale and pruned, leaving eu-central-1's "up" as
	// the only live vote out of 2 configured regions — not a strict
	// majority, so still degraded rather than up.
	if got != "degraded" {
		t.Fatalf("vote after pruning stale region = %q, want degraded", got)
	}
}

func TestVoteStrictMajorityRequiresMoreThanHalf(t *testing.T) {
	a := newTestAggregator()
	now := time.Now()
	interval := 60 * time.Second

	// 2 of 4 configured regions reporting up is exactly half, not a
	// strict majority.
	a.vote("svc-1", "eu-central-1", "up", now, 4, interval)
	got := a.vote("svc-1", "us-east-1", "up", now, 4, interval)

	if got != "degraded" {
		t.Fatalf("exact-half vote = %q, want degraded", got)
	}
}
