package domain

import (
	"strings"
	"time"
)

// SendNotificationCommand is the internal request to notify a user. It is
// produced by the event translator or submitted directly through the API.
type SendNotificationCommand struct {
	UserID        string
	Type          NotificationType
	Urgency       Urgency
	Title         string
	Body          string
	Channels      []Channel
	Metadata      map[string]string
	DedupKey      string
	CorrelationID string
	SourceEventID string
	ScheduledAt   *time.Time
	MaxRetries    *int
}

// ResolvedDedupKey returns the explicit key or the metadata entry.
func (c SendNotificationCommand) ResolvedDedupKey() string {
	if key := strings.TrimSpace(c.DedupKey); key != "" {
		return key
	}
	return strings.TrimSpace(c.Metadata[MetadataDedupKey])
}

// ToNotification builds a pending notification. Id and timestamps are left
// to the lifecycle manager.
func (c SendNotificationCommand) ToNotification() *Notification {
	urgency := c.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if c.Type == TypeUrgentClaim {
		urgency = UrgencyCritical
	}

	maxRetries := DefaultMaxRetries
	if c.MaxRetries != nil {
		maxRetries = *c.MaxRetries
	}

	metadata := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		metadata[k] = v
	}

	n := &Notification{
		UserID:            strings.TrimSpace(c.UserID),
		Type:              c.Type,
		Urgency:           urgency,
		Title:             strings.TrimSpace(c.Title),
		Body:              strings.TrimSpace(c.Body),
		RequestedChannels: append([]Channel(nil), c.Channels...),
		Metadata:          metadata,
		CorrelationID:     strings.TrimSpace(c.CorrelationID),
		Status:            StatusPending,
		ScheduledAt:       c.ScheduledAt,
		MaxRetries:        maxRetries,
	}

	if key := c.ResolvedDedupKey(); key != "" {
		n.DedupKey = &key
		metadata[MetadataDedupKey] = key
	}
	if id := strings.TrimSpace(c.SourceEventID); id != "" {
		n.SourceEventID = &id
	}

	return n
}
