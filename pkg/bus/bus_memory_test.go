package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_PublishTask_RoutesByRegion(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	go b.ConsumeTasks(ctx, "us-east", func(ctx context.Context, d Delivery) error {
		received <- d.Body
		return nil
	})
	go b.ConsumeTasks(ctx, "eu-west", func(ctx context.Context, d Delivery) error {
		t.Error("eu-west consumer should not receive a us-east task")
		return nil
	})

	waitRegistered(t, b)

	if err := b.PublishTask(context.Background(), "us-east", []byte("task-1")); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	select {
	case body := <-received:
		if string(body) != "task-1" {
			t.Errorf("got body %q, want %q", body, "task-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task delivery")
	}
}

func TestMemoryBus_PublishCommand_Broadcast(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := 3
	received := make(chan string, n)
	for _, id := range []string{"w1", "w2", "w3"} {
		id := id
		go b.ConsumeCommands(ctx, id, func(ctx context.Context, d Delivery) error {
			received <- id
			return nil
		})
	}

	waitRegistered(t, b)

	if err := b.PublishCommand(context.Background(), Broadcast, []byte("pause")); err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case id := <-received:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d broadcast deliveries", len(seen), n)
		}
	}
	for _, id := range []string{"w1", "w2", "w3"} {
		if !seen[id] {
			t.Errorf("worker %s did not receive broadcast command", id)
		}
	}
}

func TestMemoryBus_PublishCommand_SingleWorker(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	go b.ConsumeCommands(ctx, "w1", func(ctx context.Context, d Delivery) error {
		received <- string(d.Body)
		return nil
	})
	go b.ConsumeCommands(ctx, "w2", func(ctx context.Context, d Delivery) error {
		t.Error("w2 should not receive a command routed to w1")
		return nil
	})

	waitRegistered(t, b)

	if err := b.PublishCommand(context.Background(), "w1", []byte("drain")); err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}

	select {
	case body := <-received:
		if body != "drain" {
			t.Errorf("got body %q, want %q", body, "drain")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command delivery")
	}
}

func TestMemoryBus_ConsumeResults_CompetingConsumers(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan int, 1)
	go b.ConsumeResults(ctx, func(ctx context.Context, d Delivery) error {
		received <- 1
		return nil
	})

	waitRegistered(t, b)

	if err := b.PublishResult(context.Background(), []byte("result")); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result delivery")
	}
}

// waitRegistered gives the background ConsumeX goroutines a moment to
// register their handlers before a test publishes. The memory bus has no
// queueing semantics, so a publish before registration is simply dropped.
func waitRegistered(t *testing.T, b *MemoryBus) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
}
