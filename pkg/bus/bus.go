// Package bus defines the MessageBus abstraction the coordinator, worker
// agent and aggregator use to exchange probe tasks, probe results and
// control commands. Production wiring uses the AMQP implementation
// (bus_amqp.go); tests use the in-memory implementation (bus_memory.go) so
// none of this package's consumers need a running broker to exercise in
// tests — an explicit interface plus a fake implementation, rather than
// monkey-patching a broker client.
package bus

import "context"

// Exchange names, fixed by the wire protocol.
const (
	ExchangeTasks    = "tasks"           // direct, routing key = region_id
	ExchangeCommands = "worker_commands" // direct, routing key = worker_id or "broadcast"
)

// Queue naming helpers.
func TaskQueue(region string) string  { return "tasks." + region }
func WorkerQueue(workerID string) string { return "worker." + workerID }

// ResultsQueue is the single durable queue all aggregator instances
// competitively consume from.
const ResultsQueue = "worker_results"

// Broadcast is the routing key used for commands targeting every worker.
const Broadcast = "broadcast"

// Delivery wraps a received message with its ack/nack handle.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

// Handler processes one delivery. Returning a non-nil error nacks and
// requeues the message; returning nil acks it.
type Handler func(ctx context.Context, d Delivery) error

// MessageBus is the transport-agnostic interface the rest of the system
// depends on. Method names map directly onto AMQP semantics but
// any compatible transport can implement it.
type MessageBus interface {
	// PublishTask publishes a ProbeTask to the tasks exchange, routed by region.
	PublishTask(ctx context.Context, region string, body []byte) error

	// PublishResult publishes a ProbeResult to the durable results queue.
	PublishResult(ctx context.Context, body []byte) error

	// PublishCommand publishes a ControlCommand to the worker_commands
	// exchange, routed by worker ID or bus.Broadcast.
	PublishCommand(ctx context.Context, routingKey string, body []byte) error

	// ConsumeTasks competitively consumes from tasks.<region>.
	ConsumeTasks(ctx context.Context, region string, h Handler) error

	// ConsumeCommands consumes from worker.<workerID>, which is bound to
	// both the worker's own routing key and the broadcast key.
	ConsumeCommands(ctx context.Context, workerID string, h Handler) error

	// ConsumeResults competitively consumes from the shared results queue.
	ConsumeResults(ctx context.Context, h Handler) error

	// Close releases all underlying connections/channels.
	Close() error
}
