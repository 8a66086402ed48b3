package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"go.uber.org/atomic"

	"github.com/guardant/guardant/internal/telemetry"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/task"
	"github.com/guardant/guardant/pkg/worker/buffer"
)

// Agent is the running Worker Agent: it consumes probe tasks from its
// assigned region across max_concurrency independent consumer loops, runs
// them through the probe engine, and hands completed results to a local
// durable buffer for forwarding onto the results queue.
type Agent struct {
	cfg       *Config
	bus       bus.MessageBus
	probes    *probe.Registry
	buf       *buffer.Buffer
	registrar *Registrar
	logger    *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	points  *Points

	regionID string
	capacity int

	inFlight  atomic.Int32
	suspended atomic.Bool
	degraded  atomic.Bool

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	restartFor string // non-empty once a command has requested the process exit for restart
}

// NewAgent creates an Agent. regionID is the region assigned at approval
// time; the agent consumes tasks.<regionID> for its lifetime (a
// change_region command requires a process restart
func NewAgent(cfg *Config, b bus.MessageBus, probes *probe.Registry, buf *buffer.Buffer, registrar *Registrar, regionID string, logger *slog.Logger) *Agent {
	capacity := cfg.MaxConcurrency
	if capacity <= 0 {
		capacity = 1
	}
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = 60
	}
	return &Agent{
		cfg:       cfg,
		bus:       b,
		probes:    probes,
		buf:       buf,
		registrar: registrar,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(capacity)),
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), capacity),
		points:    NewPoints(),
		regionID:  regionID,
		capacity:  capacity,
	}
}

// Run consumes tasks and commands until ctx is cancelled, starting the
// buffer forwarder and heartbeat loop alongside. Returns once every
// sub-goroutine has exited.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	errCh := make(chan error, 3)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.buf.RunForwarder(ctx, a.bus)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.bus.ConsumeCommands(ctx, a.cfg.WorkerID, a.handleCommand); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consuming commands: %w", err)
		}
	}()

	// One independent consumer per concurrency slot: the broker's ack is
	// only sent once handleTask has durably buffered its result, so true
	// concurrency requires separate consume loops rather than a single
	// loop that acks before the probe finishes. The semaphore still bounds
	// the total in case a slow forwarder or retry briefly oversubscribes.
	for i := 0; i < a.capacity; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.bus.ConsumeTasks(ctx, a.regionID, a.handleTask); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("consuming tasks: %w", err)
			}
		}()
	}

	a.wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// handleTask parses and runs one ProbeTask to completion before returning,
// so the broker only acks once the result is durably buffered.
// The semaphore and rate limiter are acquired synchronously, which doubles
// as the backpressure mechanism: a full semaphore stalls this consumer
// until one of its siblings finishes.
func (a *Agent) handleTask(ctx context.Context, d bus.Delivery) error {
	if a.suspended.Load() {
		return fmt.Errorf("worker is suspended")
	}

	var t task.Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		a.logger.Error("discarding unparseable task", "error", err)
		return nil
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring concurrency slot: %w", err)
	}
	defer a.sem.Release(1)

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit token: %w", err)
	}

	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	return a.runTask(ctx, t)
}

func (a *Agent) runTask(ctx context.Context, t task.Task) error {
	deadline := time.Duration(t.TimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now().UTC()
	spec := toProbeSpec(t)
	result := a.probes.Run(probeCtx, spec)

	telemetry.ProbesExecutedTotal.WithLabelValues(t.ServiceType, string(result.Status)).Inc()
	telemetry.ProbeDuration.WithLabelValues(t.ServiceType).Observe(time.Since(start).Seconds())
	a.points.Award(pointsFor(t.ServiceType, result.Status == probe.StatusUp))

	wireResult := task.Result{
		ResultID:   uuid.NewString(),
		TaskID:     t.TaskID,
		ServiceID:  t.ServiceID,
		NestID:     t.NestID,
		WorkerID:   a.cfg.WorkerID,
		Region:     t.RegionHint,
		StartedAt:  start,
		RTTMs:      result.RTTMs,
		Status:     string(result.Status),
		StatusCode: result.StatusCode,
		Sample: task.Sample{
			TLSExpiryDays: result.TLSExpiryDays,
			PacketLossPct: result.PacketLossPct,
		},
	}
	if result.Error != nil {
		wireResult.Error = &task.ResultError{Kind: string(result.Error.Kind), Detail: result.Error.Detail}
	}

	payload, err := json.Marshal(wireResult)
	if err != nil {
		return fmt.Errorf("marshalling probe result for task %s: %w", t.TaskID, err)
	}
	if err := a.buf.Append(wireResult.ResultID, payload); err != nil {
		return fmt.Errorf("buffering probe result for task %s: %w", t.TaskID, err)
	}
	return nil
}

// heartbeatLoop pushes liveness and load to the control plane every
// GUARDANT_HEARTBEAT_INTERVAL (default 10s).
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval, err := time.ParseDuration(a.cfg.HeartbeatInterval)
	if err != nil || interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	a.degraded.Store(a.buf.Degraded())
	payload := HeartbeatPayload{
		Capacity: a.capacity,
		InFlight: int(a.inFlight.Load()),
		Degraded: a.degraded.Load(),
	}
	if err := a.registrar.Heartbeat(ctx, a.cfg.WorkerID, payload); err != nil {
		a.logger.Warn("sending heartbeat failed", "error", err)
	}
}

// Points exposes the worker's point tracker, e.g. for a /status CLI command.
func (a *Agent) Points() *Points {
	return a.points
}

// RestartRequested returns the command name that asked this process to exit
// for a supervisor-driven restart ("" if none did), so main() can choose an
// exit code.
func (a *Agent) RestartRequested() string {
	return a.restartFor
}

// requestRestart records the triggering command and cancels the agent's
// context, stopping all consume loops so Run returns.
func (a *Agent) requestRestart(command string) {
	a.restartFor = command
	if a.cancel != nil {
		a.cancel()
	}
}
