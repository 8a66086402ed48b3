package region

import "testing"

func TestLookup(t *testing.T) {
	r, ok := Lookup("eu-central-1")
	if !ok {
		t.Fatal("expected eu-central-1 to be in the catalogue")
	}
	if r.City != "Frankfurt" {
		t.Errorf("City = %q, want Frankfurt", r.City)
	}

	if _, ok := Lookup("nonexistent"); ok {
		t.Error("expected nonexistent region to be absent")
	}
}

func TestHaversineKm_SamePoint(t *testing.T) {
	d := HaversineKm(50.1109, 8.6821, 50.1109, 8.6821)
	if d > 0.001 {
		t.Errorf("distance between identical points = %f, want ~0", d)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Frankfurt to Dublin is roughly 1000km.
	d := HaversineKm(50.1109, 8.6821, 53.3498, -6.2603)
	if d < 900 || d > 1200 {
		t.Errorf("Frankfurt-Dublin distance = %f km, want ~1000km", d)
	}
}

func TestNearestN(t *testing.T) {
	nearest := NearestN(50.1109, 8.6821, 3)
	if len(nearest) != 3 {
		t.Fatalf("len(nearest) = %d, want 3", len(nearest))
	}
	if nearest[0] != "eu-central-1" {
		t.Errorf("nearest[0] = %q, want eu-central-1", nearest[0])
	}
}

func TestNearestN_CapsAtCatalogueSize(t *testing.T) {
	nearest := NearestN(0, 0, 1000)
	if len(nearest) != len(Catalogue()) {
		t.Errorf("len(nearest) = %d, want %d", len(nearest), len(Catalogue()))
	}
}

func TestBuildViews_GroupsByLocation(t *testing.T) {
	samples := []WorkerSample{
		{WorkerID: "w1", City: "Frankfurt", Country: "DE", Active: true, AvgRTTMs: 20},
		{WorkerID: "w2", City: "Frankfurt", Country: "DE", Active: true, AvgRTTMs: 30},
		{WorkerID: "w3", City: "Frankfurt", Country: "DE", Active: false},
		{WorkerID: "w4", City: "Dublin", Country: "IE", Active: true, AvgRTTMs: 15},
	}

	views := BuildViews(samples)
	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}

	var frankfurt *View
	for i := range views {
		if views[i].DisplayName == "Frankfurt, DE" {
			frankfurt = &views[i]
		}
	}
	if frankfurt == nil {
		t.Fatal("expected a Frankfurt view")
	}
	if frankfurt.WorkerCount != 3 {
		t.Errorf("WorkerCount = %d, want 3", frankfurt.WorkerCount)
	}
	if frankfurt.ActiveCount != 2 {
		t.Errorf("ActiveCount = %d, want 2", frankfurt.ActiveCount)
	}
	if frankfurt.AvgLatencyMs != 25 {
		t.Errorf("AvgLatencyMs = %f, want 25", frankfurt.AvgLatencyMs)
	}
	wantUptime := 100.0 * 2 / 3
	if frankfurt.UptimePct != wantUptime {
		t.Errorf("UptimePct = %f, want %f", frankfurt.UptimePct, wantUptime)
	}
}

func TestBuildViews_Empty(t *testing.T) {
	views := BuildViews(nil)
	if len(views) != 0 {
		t.Errorf("len(views) = %d, want 0", len(views))
	}
}
