package domain

import (
	"fmt"
	"strings"
	"time"
)

// QuietHours is a daily window in which intrusive channels are suppressed.
// StartHour > EndHour wraps midnight; StartHour == EndHour is an empty window.
type QuietHours struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Timezone  string
}

// UserPreferences holds contact data and channel settings for one user.
type UserPreferences struct {
	UserID         string
	Enabled        bool
	Email          *string
	Phone          *string
	ChatHandle     *string
	Timezone       string
	ChannelToggles map[Channel]bool
	TypeOverrides  map[NotificationType][]Channel
	QuietHours     QuietHours
	UpdatedAt      time.Time
}

// ContactFor returns the contact value required by ch.
func (p *UserPreferences) ContactFor(ch Channel) (string, bool) {
	if p == nil {
		return "", false
	}

	var v *string
	switch ch {
	case ChannelEmail:
		v = p.Email
	case ChannelSMS:
		v = p.Phone
	case ChannelChat:
		v = p.ChatHandle
	}
	if v == nil || strings.TrimSpace(*v) == "" {
		return "", false
	}
	return strings.TrimSpace(*v), true
}

// IsAvailable reports whether ch is enabled and has contact data.
func (p *UserPreferences) IsAvailable(ch Channel) bool {
	if p == nil || !p.Enabled || !p.ChannelToggles[ch] {
		return false
	}
	_, ok := p.ContactFor(ch)
	return ok
}

// AvailableChannels lists available channels in priority order.
func (p *UserPreferences) AvailableChannels() []Channel {
	channels := make([]Channel, 0, len(ChannelPriority))
	for _, ch := range ChannelPriority {
		if p.IsAvailable(ch) {
			channels = append(channels, ch)
		}
	}
	return channels
}

// Normalize trims contact fields and disables toggles lacking contact data.
func (p *UserPreferences) Normalize() {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Email = trimOptional(p.Email)
	p.Phone = trimOptional(p.Phone)
	p.ChatHandle = trimOptional(p.ChatHandle)
	p.Timezone = strings.TrimSpace(p.Timezone)
	p.QuietHours.Timezone = strings.TrimSpace(p.QuietHours.Timezone)

	if p.ChannelToggles == nil {
		p.ChannelToggles = make(map[Channel]bool, len(ChannelPriority))
	}
	for _, ch := range ChannelPriority {
		if _, ok := p.ContactFor(ch); !ok {
			p.ChannelToggles[ch] = false
		}
	}
}

func (p *UserPreferences) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	for ch := range p.ChannelToggles {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
	}
	for t, channels := range p.TypeOverrides {
		if !t.IsValid() {
			return fmt.Errorf("%w: invalid notification type %q in overrides", ErrValidation, t)
		}
		for _, ch := range channels {
			if !ch.IsValid() {
				return fmt.Errorf("%w: invalid channel %q in overrides", ErrValidation, ch)
			}
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: invalid timezone %q", ErrValidation, p.Timezone)
		}
	}

	q := p.QuietHours
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return fmt.Errorf("%w: quiet hours must be within 0-23", ErrValidation)
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("%w: invalid quiet hours timezone %q", ErrValidation, q.Timezone)
		}
	}
	return nil
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
