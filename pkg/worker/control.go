package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guardant/guardant/pkg/bus"
)

// ControlCommand is the wire shape of a command published to
// worker_commands, routed either to a specific worker.<id> queue or
// broadcast to all workers.
type ControlCommand struct {
	Command  string `json:"command"`
	WorkerID string `json:"worker_id,omitempty"`
	RegionID string `json:"region_id,omitempty"` // change_region
	DelayMs  int64  `json:"delay_ms,omitempty"`  // change_region, update_worker, rebuild_worker
}

// handleCommand dispatches one ControlCommand. Unknown commands are logged
// and acked rather than requeued indefinitely, since a command a worker
// doesn't understand will never become understandable on redelivery.
func (a *Agent) handleCommand(ctx context.Context, d bus.Delivery) error {
	var cmd ControlCommand
	if err := json.Unmarshal(d.Body, &cmd); err != nil {
		a.logger.Error("discarding unparseable control command", "error", err)
		return nil
	}

	switch cmd.Command {
	case "suspend":
		a.suspended.Store(true)
		a.logger.Info("worker suspended by control command")
	case "resume":
		a.suspended.Store(false)
		a.logger.Info("worker resumed by control command")
	case "reset_points_period":
		a.points.ResetPeriod()
		a.logger.Info("points period reset by control command")
	case "change_region":
		// Requires restarting ConsumeTasks against a new queue binding, which
		// this process does not do for a live agent; ack and exit so the
		// supervisor (systemd/docker) restarts it against the approved region.
		a.logger.Warn("change_region received, exiting for restart against new region", "region_id", cmd.RegionID, "delay_ms", cmd.DelayMs)
		a.restartAfter(cmd.Command, cmd.DelayMs)
	case "update_worker", "rebuild_worker":
		// Both imply a new binary/config; the worker has no self-update
		// mechanism, so it acks and exits, relying on the deployment's
		// supervisor to pull the new version before restarting it.
		a.logger.Warn("received command requiring external redeploy", "command", cmd.Command, "delay_ms", cmd.DelayMs)
		a.restartAfter(cmd.Command, cmd.DelayMs)
	default:
		a.logger.Warn("ignoring unrecognised control command", "command", cmd.Command)
	}
	return nil
}

// restartAfter acks the triggering command immediately but defers the
// actual exit-for-restart by delayMs, so a platform admin staggering a
// fleet-wide rebuild across many workers doesn't restart them all in the
// same instant. A non-positive delay restarts immediately.
func (a *Agent) restartAfter(command string, delayMs int64) {
	if delayMs <= 0 {
		a.requestRestart(command)
		return
	}
	go func() {
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
		a.requestRestart(command)
	}()
}
