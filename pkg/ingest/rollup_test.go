package ingest

import (
	"testing"
	"time"
)

func TestWindowUptimePctEmptyIsHundred(t *testing.T) {
	w := newWindow(10*time.Minute, 144, time.Now())
	if got := w.uptimePct(); got != 100 {
		t.Fatalf("empty window uptime = %v, want 100", got)
	}
}

func TestWindowRecordsAndComputesPct(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Minute, 144, now)

	for i := 0; i < 3; i++ {
		w.record(now, true)
	}
	w.record(now, false)

	got := w.uptimePct()
	want := 75.0
	if got != want {
		t.Fatalf("uptimePct = %v, want %v", got, want)
	}
}

func TestWindowAdvanceClearsOldBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Minute, 3, now)

	w.record(now, false) // bucket 0: 0/1

	later := now.Add(40 * time.Minute) // past the whole ring; should reset
	w.record(later, true)

	if got := w.uptimePct(); got != 100 {
		t.Fatalf("uptimePct after full wrap = %v, want 100 (old down bucket should be gone)", got)
	}
}

func TestRollupSnapshotTracksAllThreeWindows(t *testing.T) {
	now := time.Now()
	r := newRollup(now)
	r.record(now, true)
	snap := r.snapshot()
	if snap.Uptime24h != 100 || snap.Uptime7d != 100 || snap.Uptime30d != 100 {
		t.Fatalf("expected all-up snapshot, got %+v", snap)
	}
}
