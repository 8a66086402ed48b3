package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/task"
	"github.com/guardant/guardant/pkg/worker/buffer"
)

func newTestAgentWithBuffer(t *testing.T) *Agent {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.jsonl"), 100, logger)
	if err != nil {
		t.Fatalf("opening buffer: %v", err)
	}

	cfg := &Config{WorkerID: "w-1", MaxConcurrency: 2, RPM: 600}
	return NewAgent(cfg, bus.NewMemoryBus(), probe.NewRegistry(nil), buf, nil, "eu-west", logger)
}

func TestHandleTaskBuffersCompletedResult(t *testing.T) {
	a := newTestAgentWithBuffer(t)

	body, err := json.Marshal(task.Task{
		TaskID:      "t-1",
		NestID:      "n-1",
		ServiceID:   "svc-1",
		ServiceType: "heartbeat",
		TimeoutMs:   1000,
	})
	if err != nil {
		t.Fatalf("marshalling task: %v", err)
	}

	ctx := context.Background()
	if err := a.handleTask(ctx, bus.Delivery{Body: body}); err != nil {
		t.Fatalf("handleTask returned error: %v", err)
	}

	if a.buf.Len() != 1 {
		t.Fatalf("expected 1 buffered result, got %d", a.buf.Len())
	}
}

func TestHandleTaskWhileSuspendedIsRejected(t *testing.T) {
	a := newTestAgentWithBuffer(t)
	a.suspended.Store(true)

	body, _ := json.Marshal(task.Task{TaskID: "t-1", ServiceType: "heartbeat"})
	if err := a.handleTask(context.Background(), bus.Delivery{Body: body}); err == nil {
		t.Fatal("expected handleTask to reject while suspended")
	}
}

func TestHandleTaskDiscardsMalformedBody(t *testing.T) {
	a := newTestAgentWithBuffer(t)
	if err := a.handleTask(context.Background(), bus.Delivery{Body: []byte("not json")}); err != nil {
		t.Fatalf("expected malformed task to be acked, got error: %v", err)
	}
	if a.buf.Len() != 0 {
		t.Fatalf("expected nothing buffered, got %d", a.buf.Len())
	}
}
