package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process MessageBus used by tests. It fans out
// publishes synchronously to whichever consumers are registered at publish
// time, so callers must start consumers before publishing. It has no
// concept of acknowledgement beyond calling the handler directly.
type MemoryBus struct {
	mu       sync.Mutex
	tasks    map[string][]Handler // region -> handlers
	commands map[string][]Handler // workerID -> handlers
	results  []Handler
	closed   bool
}

// NewMemoryBus returns a ready-to-use in-memory MessageBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		tasks:    make(map[string][]Handler),
		commands: make(map[string][]Handler),
	}
}

func (b *MemoryBus) PublishTask(ctx context.Context, region string, body []byte) error {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.tasks[region]...)
	b.mu.Unlock()

	return b.deliverOne(ctx, handlers, body)
}

func (b *MemoryBus) PublishResult(ctx context.Context, body []byte) error {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.results...)
	b.mu.Unlock()

	return b.deliverOne(ctx, handlers, body)
}

func (b *MemoryBus) PublishCommand(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if routingKey == Broadcast {
		for workerID, handlers := range b.commands {
			_ = workerID
			for _, h := range handlers {
				d := b.delivery(body)
				if err := h(ctx, d); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, h := range b.commands[routingKey] {
		d := b.delivery(body)
		if err := h(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// deliverOne dispatches to a single handler, matching the competing-consumer
// semantics of a real queue: exactly one registered consumer gets the message.
func (b *MemoryBus) deliverOne(ctx context.Context, handlers []Handler, body []byte) error {
	if len(handlers) == 0 {
		return nil
	}
	d := b.delivery(body)
	return handlers[0](ctx, d)
}

func (b *MemoryBus) delivery(body []byte) Delivery {
	return Delivery{
		Body: body,
		Ack:  func() error { return nil },
		Nack: func(bool) error { return nil },
	}
}

func (b *MemoryBus) ConsumeTasks(ctx context.Context, region string, h Handler) error {
	b.mu.Lock()
	b.tasks[region] = append(b.tasks[region], h)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *MemoryBus) ConsumeCommands(ctx context.Context, workerID string, h Handler) error {
	b.mu.Lock()
	b.commands[workerID] = append(b.commands[workerID], h)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *MemoryBus) ConsumeResults(ctx context.Context, h Handler) error {
	b.mu.Lock()
	b.results = append(b.results, h)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
