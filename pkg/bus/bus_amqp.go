package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus is the production MessageBus, backed by an AMQP 0-9-1 broker
// (RabbitMQ or any compatible server). One connection is held per process;
// publishers and consumers each get their own channel, matching the
// "one channel per direction" resource model.
type AMQPBus struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	logger *slog.Logger
}

// Dial connects to the broker and declares the exchanges and the shared
// results queue. Per-region and per-worker queues are declared lazily by
// the first consumer, since the set of regions/workers is not known upfront.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*AMQPBus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeTasks, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring %s exchange: %w", ExchangeTasks, err)
	}
	if err := ch.ExchangeDeclare(ExchangeCommands, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring %s exchange: %w", ExchangeCommands, err)
	}
	if _, err := ch.QueueDeclare(ResultsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring %s queue: %w", ResultsQueue, err)
	}

	return &AMQPBus{conn: conn, pubCh: ch, logger: logger}, nil
}

func (b *AMQPBus) PublishTask(ctx context.Context, region string, body []byte) error {
	return b.publish(ctx, ExchangeTasks, region, body)
}

func (b *AMQPBus) PublishResult(ctx context.Context, body []byte) error {
	return b.pubCh.PublishWithContext(ctx, "", ResultsQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (b *AMQPBus) PublishCommand(ctx context.Context, routingKey string, body []byte) error {
	return b.publish(ctx, ExchangeCommands, routingKey, body)
}

func (b *AMQPBus) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return b.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (b *AMQPBus) ConsumeTasks(ctx context.Context, region string, h Handler) error {
	queue := TaskQueue(region)
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, region, ExchangeTasks, false, nil); err != nil {
		return fmt.Errorf("binding %s: %w", queue, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	return b.consume(ctx, ch, queue, h)
}

func (b *AMQPBus) ConsumeCommands(ctx context.Context, workerID string, h Handler) error {
	queue := WorkerQueue(workerID)
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, workerID, ExchangeCommands, false, nil); err != nil {
		return fmt.Errorf("binding %s to %s: %w", queue, workerID, err)
	}
	if err := ch.QueueBind(queue, Broadcast, ExchangeCommands, false, nil); err != nil {
		return fmt.Errorf("binding %s to broadcast: %w", queue, err)
	}

	return b.consume(ctx, ch, queue, h)
}

func (b *AMQPBus) ConsumeResults(ctx context.Context, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(32, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	return b.consume(ctx, ch, ResultsQueue, h)
}

func (b *AMQPBus) consume(ctx context.Context, ch *amqp.Channel, queue string, h Handler) error {
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			del := Delivery{
				Body: d.Body,
				Ack:  func() error { return d.Ack(false) },
				Nack: func(requeue bool) error { return d.Nack(false, requeue) },
			}
			if err := h(ctx, del); err != nil {
				b.logger.Error("handling delivery", "queue", queue, "error", err)
				if nackErr := del.Nack(true); nackErr != nil {
					b.logger.Error("nacking delivery", "queue", queue, "error", nackErr)
				}
				continue
			}
			if ackErr := del.Ack(); ackErr != nil {
				b.logger.Error("acking delivery", "queue", queue, "error", ackErr)
			}
		}
	}
}

func (b *AMQPBus) Close() error {
	if err := b.pubCh.Close(); err != nil {
		b.logger.Warn("closing publish channel", "error", err)
	}
	return b.conn.Close()
}
