package routing

import (
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// Decision is the routing outcome for one notification.
type Decision struct {
	// Channels is the ordered channel set to dispatch now. Empty together
	// with a nil DeferUntil means nothing is deliverable.
	Channels []domain.Channel
	// DeferUntil is set when quiet hours suppress every available channel.
	DeferUntil *time.Time
	QuietHours bool
}

// Deferred reports whether delivery should wait until DeferUntil.
func (d Decision) Deferred() bool { return d.DeferUntil != nil }

// Router selects delivery channels. It is stateless and deterministic.
type Router struct{}

func NewRouter() *Router {
	return &Router{}
}

// Select applies the routing policy: type default (or requested channels),
// then the user's per-type override, then availability, then quiet hours.
func (r *Router) Select(
	notificationType domain.NotificationType,
	urgency domain.Urgency,
	requested []domain.Channel,
	prefs *domain.UserPreferences,
	now time.Time,
) Decision {
	candidates := defaultChannels(notificationType, prefs)
	if len(requested) > 0 {
		candidates = requested
	}
	if prefs != nil {
		if override, ok := prefs.TypeOverrides[notificationType]; ok && len(override) > 0 {
			candidates = override
		}
	}

	channels := filterAvailable(candidates, prefs)
	if len(channels) == 0 {
		return Decision{}
	}

	if domain.IsUrgent(notificationType, urgency) || prefs == nil {
		return Decision{Channels: channels}
	}

	inQuiet, windowEnd := InQuietHours(prefs, now)
	if !inQuiet {
		return Decision{Channels: channels}
	}

	if prefs.IsAvailable(domain.ChannelEmail) && contains(channels, domain.ChannelEmail) {
		return Decision{Channels: []domain.Channel{domain.ChannelEmail}, QuietHours: true}
	}

	return Decision{DeferUntil: &windowEnd, QuietHours: true}
}

// defaultChannels returns the type-specific default set in priority order.
func defaultChannels(t domain.NotificationType, prefs *domain.UserPreferences) []domain.Channel {
	available := prefs.AvailableChannels()

	switch t {
	case domain.TypeUrgentClaim:
		return available
	case domain.TypeMatchAlert:
		if len(available) > 2 {
			return available[:2]
		}
		return available
	default:
		if len(available) > 0 {
			return available[:1]
		}
		return nil
	}
}

// filterAvailable keeps the order of candidates, dropping duplicates and
// channels that are disabled or lack contact data.
func filterAvailable(candidates []domain.Channel, prefs *domain.UserPreferences) []domain.Channel {
	out := make([]domain.Channel, 0, len(candidates))
	for _, ch := range candidates {
		if !prefs.IsAvailable(ch) || contains(out, ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func contains(channels []domain.Channel, ch domain.Channel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
