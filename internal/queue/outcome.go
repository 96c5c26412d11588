package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// OutcomeEvent is published on every sent, delivered or failed transition.
type OutcomeEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Channels       []string  `json:"channels"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// OutcomeRoutingKey returns e.g. notification.delivered.
func OutcomeRoutingKey(status domain.Status) string {
	return "notification." + strings.ToLower(status.String())
}

func NewOutcomeEvent(n *domain.Notification, at time.Time) OutcomeEvent {
	channels := make([]string, 0, len(n.Channels))
	for _, ch := range n.Channels {
		channels = append(channels, ch.String())
	}

	event := OutcomeEvent{
		EventID:        uuid.NewString(),
		EventType:      OutcomeRoutingKey(n.Status),
		Timestamp:      at,
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type.String(),
		Status:         n.Status.String(),
		Channels:       channels,
		CorrelationID:  n.CorrelationID,
	}
	if n.FailureReason != nil {
		event.FailureReason = *n.FailureReason
	}
	return event
}

func (e OutcomeEvent) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notification_id is required")
	}
	switch domain.Status(e.Status) {
	case domain.StatusSent, domain.StatusDelivered, domain.StatusFailed:
	default:
		return fmt.Errorf("status %q has no outcome event", e.Status)
	}
	if e.EventType != OutcomeRoutingKey(domain.Status(e.Status)) {
		return fmt.Errorf("event_type %q does not match status %q", e.EventType, e.Status)
	}
	return nil
}
