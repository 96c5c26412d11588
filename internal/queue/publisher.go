package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQPublisher publishes outcome events to the outcomes topic exchange.
type RabbitMQPublisher struct {
	client   *RabbitMQ
	exchange string
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	exchange := DefaultOutcomesExchange
	if client != nil && client.topology.OutcomesExchange != "" {
		exchange = client.topology.OutcomesExchange
	}
	return &RabbitMQPublisher{client: client, exchange: exchange}
}

func (p *RabbitMQPublisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid outcome event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Type:          event.EventType,
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, p.exchange, event.EventType, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish outcome %q: %w", event.EventType, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
