package worker

import "testing"

func TestPointsForKnownType(t *testing.T) {
	if got := pointsFor("web", true); got != 2 {
		t.Fatalf("expected 2 points for web, got %d", got)
	}
	if got := pointsFor("keyword", false); got != 0 {
		t.Fatalf("expected 0 points for a down keyword probe, got %d", got)
	}
}

func TestPointsForUnknownTypeDefaultsToOne(t *testing.T) {
	if got := pointsFor("carrier-pigeon", true); got != 1 {
		t.Fatalf("expected default of 1 point, got %d", got)
	}
}

func TestPointsForUnknownTypeEarnsNothingWhenDown(t *testing.T) {
	if got := pointsFor("carrier-pigeon", false); got != 0 {
		t.Fatalf("expected 0 points for a down probe regardless of type, got %d", got)
	}
}

func TestPointsAwardAccumulatesLifetimeAndPeriod(t *testing.T) {
	p := NewPoints()
	p.Award(3)
	p.Award(4)

	if p.Lifetime() != 7 {
		t.Fatalf("expected lifetime 7, got %d", p.Lifetime())
	}
	if p.Period() != 7 {
		t.Fatalf("expected period 7, got %d", p.Period())
	}
}

func TestPointsResetPeriodKeepsLifetime(t *testing.T) {
	p := NewPoints()
	p.Award(10)
	p.ResetPeriod()
	p.Award(5)

	if p.Lifetime() != 15 {
		t.Fatalf("expected lifetime 15, got %d", p.Lifetime())
	}
	if p.Period() != 5 {
		t.Fatalf("expected period 5 after reset, got %d", p.Period())
	}
}
