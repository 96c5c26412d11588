package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

type emailRequest struct {
	To             string            `json:"to"`
	Subject        string            `json:"subject"`
	Text           string            `json:"text"`
	NotificationID string            `json:"notificationId"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// EmailAdapter delivers notifications through an HTTP email provider.
type EmailAdapter struct {
	sender *httpSender
}

func NewEmailAdapter(cfg HTTPConfig, client *resty.Client) (*EmailAdapter, error) {
	sender, err := newHTTPSender(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("email adapter: %w", err)
	}
	return &EmailAdapter{sender: sender}, nil
}

func (a *EmailAdapter) Channel() domain.Channel { return domain.ChannelEmail }

func (a *EmailAdapter) Supports(ch domain.Channel) bool { return ch == domain.ChannelEmail }

func (a *EmailAdapter) Deliver(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*Result, error) {
	to, ok := prefs.ContactFor(domain.ChannelEmail)
	if !ok {
		return nil, fmt.Errorf("%w: email address for user %s", ErrMissingContactInfo, n.UserID)
	}

	return a.sender.post(ctx, emailRequest{
		To:             to,
		Subject:        n.Title,
		Text:           n.Body,
		NotificationID: n.ID,
		Tags:           map[string]string{"type": n.Type.String()},
	})
}
