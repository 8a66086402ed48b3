package probe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatusMatches(t *testing.T) {
	if !statusMatches(200, nil) {
		t.Error("200 should match empty expected_status (any 2xx)")
	}
	if statusMatches(404, nil) {
		t.Error("404 should not match empty expected_status")
	}
	if !statusMatches(404, []int{404}) {
		t.Error("404 should match explicit expected_status")
	}
}

func TestDegraded(t *testing.T) {
	interval := 60 * time.Second
	if degraded(20*time.Second, interval) {
		t.Error("20s RTT against a 60s interval should not be degraded")
	}
	if !degraded(40*time.Second, interval) {
		t.Error("40s RTT against a 60s interval should be degraded")
	}
	if degraded(5*time.Second, 0) {
		t.Error("zero interval should never report degraded")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		want bool
	}{
		{true, true},
		{false, false},
		{float64(0), false},
		{float64(1), true},
		{"", false},
		{"ok", true},
		{nil, false},
		{[]any{}, false},
		{[]any{1}, true},
	}
	for _, c := range cases {
		if got := truthy(c.v); got != c.want {
			t.Errorf("truthy(%#v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestEvaluatePredicate_Empty(t *testing.T) {
	ok, err := evaluatePredicate([]byte(`{"status":"ok"}`), "")
	if err != nil || !ok {
		t.Errorf("empty predicate should always pass, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluatePredicate_Matches(t *testing.T) {
	ok, err := evaluatePredicate([]byte(`{"status":"ok"}`), "$.status")
	if err != nil {
		t.Fatalf("evaluatePredicate() error = %v", err)
	}
	if !ok {
		t.Error("non-empty status string should be truthy")
	}
}

func TestEvaluatePredicate_InvalidJSON(t *testing.T) {
	_, err := evaluatePredicate([]byte(`not json`), "$.status")
	if err == nil {
		t.Error("expected an error decoding invalid JSON")
	}
}

type fakeHeartbeats struct {
	last time.Time
	ok   bool
	err  error
}

func (f fakeHeartbeats) LastHeartbeat(ctx context.Context, serviceID string) (time.Time, bool, error) {
	return f.last, f.ok, f.err
}

func TestHeartbeatStrategy_Overdue(t *testing.T) {
	strategy := heartbeatStrategy(fakeHeartbeats{last: time.Now().Add(-time.Hour), ok: true})
	result := strategy(context.Background(), ServiceSpec{
		Config: Config{ExpectedIntervalSeconds: 60, GraceSeconds: 30},
	})
	if result.Status != StatusDown {
		t.Errorf("Status = %v, want down", result.Status)
	}
}

func TestHeartbeatStrategy_Fresh(t *testing.T) {
	strategy := heartbeatStrategy(fakeHeartbeats{last: time.Now(), ok: true})
	result := strategy(context.Background(), ServiceSpec{
		Config: Config{ExpectedIntervalSeconds: 60, GraceSeconds: 30},
	})
	if result.Status != StatusUp {
		t.Errorf("Status = %v, want up", result.Status)
	}
}

func TestHeartbeatStrategy_NeverSeen(t *testing.T) {
	strategy := heartbeatStrategy(fakeHeartbeats{ok: false})
	result := strategy(context.Background(), ServiceSpec{Config: Config{ExpectedIntervalSeconds: 60}})
	if result.Status != StatusDown {
		t.Errorf("Status = %v, want down", result.Status)
	}
}

func TestHeartbeatStrategy_LookupError(t *testing.T) {
	strategy := heartbeatStrategy(fakeHeartbeats{err: errors.New("boom")})
	result := strategy(context.Background(), ServiceSpec{Config: Config{ExpectedIntervalSeconds: 60}})
	if result.Status != StatusDown {
		t.Errorf("Status = %v, want down", result.Status)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry(nil)
	result := reg.Run(context.Background(), ServiceSpec{Type: "carrier-pigeon"})
	if result.Status != StatusDown {
		t.Errorf("Status = %v, want down", result.Status)
	}
	if result.Error == nil || result.Error.Kind != ErrorKindProtocol {
		t.Errorf("Error = %+v, want protocol kind", result.Error)
	}
}
