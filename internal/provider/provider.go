package provider

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// Adapter is the outbound delivery port for one channel.
type Adapter interface {
	Channel() domain.Channel
	Supports(ch domain.Channel) bool
	Deliver(ctx context.Context, notification domain.Notification, prefs domain.UserPreferences) (*Result, error)
}

// Result is the normalized provider response.
type Result struct {
	// Status is AttemptSent when the provider accepted the message for later
	// delivery (HTTP 202) and AttemptDelivered otherwise.
	Status      domain.AttemptStatus
	StatusCode  int
	Body        string
	ProviderRef string
}

// Adapters indexes adapters by channel.
type Adapters map[domain.Channel]Adapter

func NewAdapters(adapters ...Adapter) Adapters {
	out := make(Adapters, len(adapters))
	for _, a := range adapters {
		if a != nil {
			out[a.Channel()] = a
		}
	}
	return out
}

// For returns the adapter supporting ch.
func (a Adapters) For(ch domain.Channel) (Adapter, error) {
	adapter, ok := a[ch]
	if !ok || !adapter.Supports(ch) {
		return nil, fmt.Errorf("%w: no adapter for channel %q", domain.ErrValidation, ch)
	}
	return adapter, nil
}
