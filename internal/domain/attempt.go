package domain

import "time"

// AttemptStatus is the outcome of one channel try.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) String() string { return string(s) }

// IsSuccess reports whether the provider accepted the message.
func (s AttemptStatus) IsSuccess() bool {
	return s == AttemptSent || s == AttemptDelivered
}

// DeliveryAttempt records a single delivery attempt for one channel.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	Channel        Channel
	AttemptNumber  int
	Status         AttemptStatus
	AttemptedAt    time.Time
	DeliveredAt    *time.Time
	ProviderRef    *string
	FailureKind    *ErrorKind
	FailureReason  *string
	StatusCode     *int
}

// LatestAttempts returns the highest-numbered attempt per channel.
func LatestAttempts(attempts []DeliveryAttempt) map[Channel]DeliveryAttempt {
	latest := make(map[Channel]DeliveryAttempt, len(attempts))
	for _, a := range attempts {
		current, ok := latest[a.Channel]
		if !ok || a.AttemptNumber > current.AttemptNumber ||
			(a.AttemptNumber == current.AttemptNumber && a.AttemptedAt.After(current.AttemptedAt)) {
			latest[a.Channel] = a
		}
	}
	return latest
}

// ComputeStatus derives the aggregate status from its attempts. pendingRetries
// holds the channels that still have a scheduled retry. Any channel success
// wins; failure requires every resolved channel to be terminally failed.
func ComputeStatus(n *Notification, attempts []DeliveryAttempt, pendingRetries map[Channel]bool) Status {
	if n.Status == StatusDelivered {
		return StatusDelivered
	}
	if len(attempts) == 0 {
		return n.Status
	}

	accepted := false
	for _, a := range attempts {
		if a.Status == AttemptDelivered {
			return StatusDelivered
		}
		if a.Status == AttemptSent {
			accepted = true
		}
	}
	if accepted {
		return StatusSent
	}

	latest := LatestAttempts(attempts)
	allTerminal := len(n.Channels) > 0
	for _, ch := range n.Channels {
		a, ok := latest[ch]
		if !ok || a.Status != AttemptFailed || pendingRetries[ch] {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return StatusFailed
	}

	return StatusSent
}

// FailedChannels returns, in resolved order, the channels whose latest
// attempt failed together with that attempt number.
func FailedChannels(n *Notification, attempts []DeliveryAttempt) map[Channel]int {
	latest := LatestAttempts(attempts)
	failed := make(map[Channel]int)
	for _, ch := range n.Channels {
		a, ok := latest[ch]
		if ok && a.Status == AttemptFailed {
			failed[ch] = a.AttemptNumber
		}
	}
	return failed
}
