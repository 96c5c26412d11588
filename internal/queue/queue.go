package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/notification-engine/internal/translator"
)

const (
	DefaultEventsExchange   = "domain.events"
	DefaultEventsQueue      = "notification-engine.events"
	DefaultOutcomesExchange = "notifications.outcomes"
)

// Topology names the broker objects the engine declares.
type Topology struct {
	EventsExchange   string
	EventsQueue      string
	OutcomesExchange string
	// BindingKeys are the event types routed to EventsQueue.
	BindingKeys []string
}

// DefaultTopology binds every event type the translator understands,
// control events included.
func DefaultTopology() Topology {
	return Topology{
		EventsExchange:   DefaultEventsExchange,
		EventsQueue:      DefaultEventsQueue,
		OutcomesExchange: DefaultOutcomesExchange,
		BindingKeys:      append(translator.SupportedEventTypes(), translator.EventPreferencesUpdated),
	}
}

func (t Topology) Validate() error {
	if t.EventsExchange == "" {
		return fmt.Errorf("events exchange is required")
	}
	if t.EventsQueue == "" {
		return fmt.Errorf("events queue is required")
	}
	if t.OutcomesExchange == "" {
		return fmt.Errorf("outcomes exchange is required")
	}
	if len(t.BindingKeys) == 0 {
		return fmt.Errorf("at least one binding key is required")
	}
	return nil
}

// EventSource streams inbound deliveries into out until ctx is done.
// Sending blocks while out is full.
type EventSource interface {
	Consume(ctx context.Context, out chan<- Delivery) error
	Close() error
}

// OutcomePublisher emits delivery outcome events.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event OutcomeEvent) error
}

// Delivery is one inbound message. It must be settled exactly once with
// Ack or Nack.
type Delivery struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	RoutingKey    string
	Redelivered   bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wraps a message body with its settlement functions.
func NewDelivery(body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}
