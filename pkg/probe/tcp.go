package probe

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

func tcpStrategy() Strategy {
	return dialStrategy(true)
}

func portStrategy() Strategy {
	return dialStrategy(false)
}

// dialStrategy implements both tcp (optional send/expect) and port
// (connection-only)
func dialStrategy(sendExpect bool) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		start := time.Now()
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", spec.Target)
		if err != nil {
			return Result{
				Status:     StatusDown,
				RTTMs:      float64(time.Since(start).Milliseconds()),
				Error:      classifyDialError(err),
				ObservedAt: time.Now(),
			}
		}
		defer conn.Close()

		if sendExpect && len(spec.Config.ProbeBytes) > 0 {
			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetDeadline(deadline)
			}
			if _, err := conn.Write(spec.Config.ProbeBytes); err != nil {
				return Result{
					Status:     StatusDown,
					RTTMs:      float64(time.Since(start).Milliseconds()),
					Error:      &Error{Kind: ErrorKindConnReset, Detail: err.Error()},
					ObservedAt: time.Now(),
				}
			}

			if spec.Config.ExpectedPrefix != "" {
				buf := make([]byte, len(spec.Config.ExpectedPrefix))
				if _, err := readFull(conn, buf); err != nil {
					return Result{
						Status:     StatusDown,
						RTTMs:      float64(time.Since(start).Milliseconds()),
						Error:      &Error{Kind: ErrorKindProtocol, Detail: err.Error()},
						ObservedAt: time.Now(),
					}
				}
				if !bytes.HasPrefix(buf, []byte(spec.Config.ExpectedPrefix)) {
					return Result{
						Status:     StatusDown,
						RTTMs:      float64(time.Since(start).Milliseconds()),
						Error:      &Error{Kind: ErrorKindProtocol, Detail: "expected prefix not observed"},
						ObservedAt: time.Now(),
					}
				}
			}
		}

		rtt := time.Since(start)
		status := StatusUp
		if degraded(rtt, spec.Interval) {
			status = StatusDegraded
		}
		return Result{Status: status, RTTMs: float64(rtt.Milliseconds()), ObservedAt: time.Now()}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func classifyDialError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrorKindTimeout, Detail: err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: ErrorKindDNS, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return &Error{Kind: ErrorKindConnRefused, Detail: msg}
	}
	return &Error{Kind: ErrorKindProtocol, Detail: msg}
}
