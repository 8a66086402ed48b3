package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/guardant/guardant/pkg/bus"
)

func testAgent() *Agent {
	return &Agent{
		cfg:    &Config{WorkerID: "w-1"},
		points: NewPoints(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func delivery(t *testing.T, cmd ControlCommand) bus.Delivery {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshalling command: %v", err)
	}
	return bus.Delivery{Body: body}
}

func TestHandleCommandSuspendResume(t *testing.T) {
	a := testAgent()
	ctx := context.Background()

	if err := a.handleCommand(ctx, delivery(t, ControlCommand{Command: "suspend"})); err != nil {
		t.Fatalf("suspend returned error: %v", err)
	}
	if !a.suspended.Load() {
		t.Fatal("expected agent to be suspended")
	}

	if err := a.handleCommand(ctx, delivery(t, ControlCommand{Command: "resume"})); err != nil {
		t.Fatalf("resume returned error: %v", err)
	}
	if a.suspended.Load() {
		t.Fatal("expected agent to no longer be suspended")
	}
}

func TestHandleCommandResetPointsPeriod(t *testing.T) {
	a := testAgent()
	a.points.Award(42)

	if err := a.handleCommand(context.Background(), delivery(t, ControlCommand{Command: "reset_points_period"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.points.Period() != 0 {
		t.Fatalf("expected period reset to 0, got %d", a.points.Period())
	}
	if a.points.Lifetime() != 42 {
		t.Fatalf("expected lifetime to survive reset, got %d", a.points.Lifetime())
	}
}

func TestHandleCommandChangeRegionRequestsRestart(t *testing.T) {
	a := testAgent()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := a.handleCommand(ctx, delivery(t, ControlCommand{Command: "change_region", RegionID: "eu-west"})); err != nil {
		t.Fatalf("expected command to be acked (nil), got %v", err)
	}
	if a.RestartRequested() != "change_region" {
		t.Fatalf("expected restart to be requested, got %q", a.RestartRequested())
	}
	if ctx.Err() == nil {
		t.Fatal("expected context to be cancelled")
	}
}

func TestHandleCommandChangeRegionHonorsDelay(t *testing.T) {
	a := testAgent()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer cancel()

	if err := a.handleCommand(ctx, delivery(t, ControlCommand{Command: "change_region", RegionID: "eu-west", DelayMs: 30})); err != nil {
		t.Fatalf("expected command to be acked (nil), got %v", err)
	}
	if a.RestartRequested() != "" {
		t.Fatal("restart should not be requested before the delay elapses")
	}

	time.Sleep(100 * time.Millisecond)
	if a.RestartRequested() != "change_region" {
		t.Fatalf("expected restart to be requested after the delay, got %q", a.RestartRequested())
	}
}

func TestHandleCommandUnknownIsAcked(t *testing.T) {
	a := testAgent()
	if err := a.handleCommand(context.Background(), delivery(t, ControlCommand{Command: "do_a_barrel_roll"})); err != nil {
		t.Fatalf("expected unknown command to be acked, got error: %v", err)
	}
}

func TestHandleCommandMalformedBodyIsAcked(t *testing.T) {
	a := testAgent()
	if err := a.handleCommand(context.Background(), bus.Delivery{Body: []byte("not json")}); err != nil {
		t.Fatalf("expected malformed body to be acked, got error: %v", err)
	}
}
