package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConsumer feeds inbound events into a bounded Go channel. Prefetch
// caps unacknowledged deliveries held by the process.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	queue    string
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queue := DefaultEventsQueue
	if client != nil && client.topology.EventsQueue != "" {
		queue = client.topology.EventsQueue
	}

	return &RabbitMQConsumer{
		client:   client,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume reconnects with backoff until ctx is done.
func (c *RabbitMQConsumer) Consume(ctx context.Context, out chan<- Delivery) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if out == nil {
		return fmt.Errorf("delivery channel is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("event consumer interrupted, reconnecting",
			zap.String("queue", c.queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, out chan<- Delivery) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			select {
			case out <- wrapDelivery(d):
			case <-ctx.Done():
				// Unsettled deliveries are requeued by the broker when the
				// channel closes.
				return nil
			}
		}
	}
}

func wrapDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:          d.Body,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		ack:           func() error { return d.Ack(false) },
		nack:          func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
