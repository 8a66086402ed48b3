package probe

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

func pingStrategy() Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		count := spec.Config.PingCount
		if count <= 0 {
			count = 4
		}
		size := spec.Config.PingSizeBytes
		if size <= 0 {
			size = 32
		}

		pinger, err := probing.NewPinger(spec.Target)
		if err != nil {
			return Result{Status: StatusDown, Error: &Error{Kind: ErrorKindDNS, Detail: err.Error()}, ObservedAt: time.Now()}
		}
		pinger.Count = count
		pinger.Size = size
		pinger.SetPrivileged(true)

		if deadline, ok := ctx.Deadline(); ok {
			pinger.Timeout = time.Until(deadline)
		}

		if err := pinger.RunWithContext(ctx); err != nil {
			return Result{Status: StatusDown, Error: &Error{Kind: ErrorKindTimeout, Detail: err.Error()}, ObservedAt: time.Now()}
		}

		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			return Result{
				Status:        StatusDown,
				PacketLossPct: stats.PacketLoss,
				Error:         &Error{Kind: ErrorKindTimeout, Detail: "no packets received"},
				ObservedAt:    time.Now(),
			}
		}

		status := StatusUp
		if degraded(stats.AvgRtt, spec.Interval) {
			status = StatusDegraded
		}
		return Result{
			Status:        status,
			RTTMs:         float64(stats.AvgRtt.Milliseconds()),
			PacketLossPct: stats.PacketLoss,
			ObservedAt:    time.Now(),
		}
	}
}
