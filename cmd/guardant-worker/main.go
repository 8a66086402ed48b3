// Command guardant-worker is the Worker Agent binary: it registers with the
// control plane, waits for platform-admin approval, then consumes probe
// tasks from its assigned region until told to stop or restart.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardant/guardant/internal/telemetry"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/worker"
	"github.com/guardant/guardant/pkg/worker/buffer"
)

// Exit codes: 0 normal, 64 config error, 69 broker
// unreachable after retries, 75 buffer corrupt, 77 unauthorised.
const (
	exitOK           = 0
	exitConfig       = 64
	exitUnreachable  = 69
	exitBufferCorrupt = 75
	exitUnauthorised = 77
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := worker.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return exitConfig
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting guardant-worker", "worker_id", cfg.WorkerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registrar := worker.NewRegistrar(cfg.ControlPlaneURL, logger)
	capabilities := worker.DetectCapabilities()

	var location worker.Location
	geo, err := worker.OpenGeolocator(cfg.GeoIPPath)
	if err != nil {
		logger.Warn("opening geoip database, proceeding without precise coordinates", "error", err)
	} else {
		defer geo.Close()
		if ip := outboundIP(); ip != nil {
			if loc, err := geo.Locate(ip); err != nil {
				logger.Warn("resolving worker location", "error", err)
			} else {
				location = loc
			}
		}
	}

	if err := registrar.Register(ctx, worker.RegisterRequest{
		WorkerID:     cfg.WorkerID,
		OwnerEmail:   cfg.OwnerEmail,
		City:         location.City,
		Country:      location.Country,
		Latitude:     location.Latitude,
		Longitude:    location.Longitude,
		Capabilities: capabilities,
	}); err != nil {
		logger.Error("registering with control plane", "error", err)
		return exitUnreachable
	}

	approval, err := pollApproval(ctx, registrar, cfg.WorkerID, logger)
	if err != nil {
		if err == worker.ErrRejected {
			logger.Error("worker registration rejected by platform admin")
			return exitUnauthorised
		}
		logger.Error("waiting for approval", "error", err)
		return exitUnreachable
	}

	logger.Info("worker approved", "region", approval.RegionID)

	buf, err := buffer.Open(cfg.BufferPath, cfg.BufferMaxEntries, logger)
	if err != nil {
		logger.Error("opening result buffer", "error", err)
		return exitBufferCorrupt
	}
	defer buf.Close()

	brokerURL := cfg.BrokerURL
	if approval.BrokerUser != "" && approval.BrokerPass != "" {
		brokerURL = brokerURLWithCreds(brokerURL, approval.BrokerUser, approval.BrokerPass)
	}

	b, err := bus.Dial(ctx, brokerURL, logger)
	if err != nil {
		logger.Error("connecting to broker", "error", err)
		return exitUnreachable
	}
	defer b.Close()

	probes := probe.NewRegistry(nil)
	agent := worker.NewAgent(cfg, b, probes, buf, registrar, approval.RegionID, logger)

	if err := agent.Run(ctx); err != nil {
		logger.Error("agent run loop exited with error", "error", err)
		return exitUnreachable
	}

	if restart := agent.RestartRequested(); restart != "" {
		logger.Info("exiting for restart", "command", restart)
	}

	return exitOK
}

// pollApproval polls the control plane until the worker's registration is
// approved, rejected, or ctx is cancelled.
func pollApproval(ctx context.Context, registrar *worker.Registrar, workerID string, logger *slog.Logger) (*worker.ApprovalResult, error) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		result, err := registrar.PollApproval(ctx, workerID)
		if err == nil {
			return result, nil
		}
		if err == worker.ErrRejected {
			return nil, err
		}
		if err != worker.ErrPending {
			logger.Warn("polling approval status", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// outboundIP returns the local address the OS would route a public request
// through. Behind NAT this isn't the worker's true public IP, but since no
// packets are actually sent it's a zero-cost way to pick the right network
// interface for a coarse geolocation lookup.
func outboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// brokerURLWithCreds swaps the broker URL's userinfo with credentials
// issued at approval time. The worker never sees its own credentials until
// this point
func brokerURLWithCreds(rawURL, user, pass string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = url.UserPassword(user, pass)
	return u.String()
}
