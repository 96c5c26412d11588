package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransition reports whether the state machine allows from -> to.
// failed -> pending is only legal through an explicit retry.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusDelivered || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// ChannelPriority is the fixed routing priority order.
var ChannelPriority = []Channel{ChannelEmail, ChannelSMS, ChannelChat}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelChat:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// ParseChannels parses and de-duplicates a channel list, keeping order.
func ParseChannels(values []string) ([]Channel, error) {
	channels := make([]Channel, 0, len(values))
	seen := make(map[Channel]struct{}, len(values))
	for _, v := range values {
		ch, err := ParseChannelFromString(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	return channels, nil
}

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	TypeConfirmation NotificationType = "confirmation"
	TypeMatchAlert   NotificationType = "match_alert"
	TypeUrgentClaim  NotificationType = "urgent_claim"
	TypeResolution   NotificationType = "resolution"
	TypeWelcome      NotificationType = "welcome"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeConfirmation, TypeMatchAlert, TypeUrgentClaim, TypeResolution, TypeWelcome:
		return true
	}
	return false
}

func ParseTypeFromString(s string) (NotificationType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	t := NotificationType(normalized)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// Urgency represents how intrusive a notification is allowed to be.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) String() string { return string(u) }

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

func ParseUrgencyFromString(s string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if !u.IsValid() {
		return "", fmt.Errorf("%w: invalid urgency %q", ErrValidation, s)
	}
	return u, nil
}

// IsUrgent reports whether quiet hours must be ignored.
func IsUrgent(t NotificationType, u Urgency) bool {
	return t == TypeUrgentClaim || u == UrgencyCritical
}

const (
	DefaultMaxRetries = 3
	MaxTitleLength    = 255
	MaxBodyLength     = 10000

	// MetadataDedupKey is the metadata entry carrying the deduplication key.
	MetadataDedupKey = "dedup_key"
)

// Notification is the aggregate root of a single delivery request.
type Notification struct {
	ID                string
	UserID            string
	Type              NotificationType
	Urgency           Urgency
	Title             string
	Body              string
	RequestedChannels []Channel
	Channels          []Channel
	Metadata          map[string]string
	DedupKey          *string
	CorrelationID     string
	SourceEventID     *string
	Status            Status
	FailureReason     *string
	ScheduledAt       *time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	RetryCount        int
	MaxRetries        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if !n.Urgency.IsValid() {
		return fmt.Errorf("%w: invalid urgency %q", ErrValidation, n.Urgency)
	}
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if l := len([]rune(n.Title)); l > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters (got %d)", ErrValidation, MaxTitleLength, l)
	}
	if l := len([]rune(n.Body)); l > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, l)
	}
	for _, ch := range n.RequestedChannels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
	}
	if n.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0", ErrValidation)
	}
	if n.RetryCount > n.MaxRetries {
		return fmt.Errorf("%w: retry count %d exceeds max retries %d", ErrValidation, n.RetryCount, n.MaxRetries)
	}
	return nil
}

// IsTerminal reports whether no further automatic processing happens.
func (n *Notification) IsTerminal() bool {
	return n.Status == StatusDelivered || n.Status == StatusFailed
}

// CanRetry reports whether a manual retry is allowed.
func (n *Notification) CanRetry() bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries
}

// HasChannel reports whether ch is part of the resolved channel set.
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}
