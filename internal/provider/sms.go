package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// MaxSMSLength is the single-segment SMS limit in characters.
const MaxSMSLength = 160

type smsRequest struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	NotificationID string `json:"notificationId"`
}

// SMSAdapter delivers notifications through an HTTP SMS gateway.
type SMSAdapter struct {
	sender *httpSender
}

func NewSMSAdapter(cfg HTTPConfig, client *resty.Client) (*SMSAdapter, error) {
	sender, err := newHTTPSender(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("sms adapter: %w", err)
	}
	return &SMSAdapter{sender: sender}, nil
}

func (a *SMSAdapter) Channel() domain.Channel { return domain.ChannelSMS }

func (a *SMSAdapter) Supports(ch domain.Channel) bool { return ch == domain.ChannelSMS }

func (a *SMSAdapter) Deliver(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*Result, error) {
	to, ok := prefs.ContactFor(domain.ChannelSMS)
	if !ok {
		return nil, fmt.Errorf("%w: phone number for user %s", ErrMissingContactInfo, n.UserID)
	}

	return a.sender.post(ctx, smsRequest{
		To:             to,
		Message:        FormatSMS(n.Title, n.Body),
		NotificationID: n.ID,
	})
}

// FormatSMS joins title and body and truncates to MaxSMSLength runes.
func FormatSMS(title, body string) string {
	text := strings.TrimSpace(body)
	if t := strings.TrimSpace(title); t != "" {
		text = t + ": " + text
	}
	return truncate(text, MaxSMSLength, "...")
}
