package probe

import (
	"context"
	"time"
)

// heartbeatStrategy is passive: it never dials out, it asks the ingest
// store when the service last pushed a heartbeat and compares that
// against expected_interval + grace.
func heartbeatStrategy(lookup HeartbeatLookup) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		if lookup == nil {
			return Result{
				Status:     StatusDown,
				Error:      &Error{Kind: ErrorKindProtocol, Detail: "heartbeat lookup not configured"},
				ObservedAt: time.Now(),
			}
		}

		last, ok, err := lookup.LastHeartbeat(ctx, spec.ServiceID)
		if err != nil {
			return Result{
				Status:     StatusDown,
				Error:      &Error{Kind: ErrorKindProtocol, Detail: err.Error()},
				ObservedAt: time.Now(),
			}
		}
		if !ok {
			return Result{
				Status:     StatusDown,
				Error:      &Error{Kind: ErrorKindTimeout, Detail: "no heartbeat received yet"},
				ObservedAt: time.Now(),
			}
		}

		expected := time.Duration(spec.Config.ExpectedIntervalSeconds) * time.Second
		grace := time.Duration(spec.Config.GraceSeconds) * time.Second
		deadline := last.Add(expected + grace)

		now := time.Now()
		if now.After(deadline) {
			return Result{
				Status:     StatusDown,
				Error:      &Error{Kind: ErrorKindTimeout, Detail: "heartbeat overdue"},
				ObservedAt: now,
			}
		}
		return Result{Status: StatusUp, RTTMs: 0, ObservedAt: now}
	}
}
