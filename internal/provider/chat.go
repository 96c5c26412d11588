package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

const (
	maxSectionTextLength = 3000
	maxFallbackLength    = 150
	truncationSuffix     = "..."
)

// chatPayload is a Slack-style block kit message addressed to a handle.
type chatPayload struct {
	Channel string      `json:"channel"`
	Text    string      `json:"text"`
	Blocks  []chatBlock `json:"blocks"`
}

type chatBlock struct {
	Type     string           `json:"type"`
	Text     *chatTextObject  `json:"text,omitempty"`
	Elements []chatTextObject `json:"elements,omitempty"`
}

type chatTextObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatAdapter delivers notifications to a chat webhook.
type ChatAdapter struct {
	sender *httpSender
}

func NewChatAdapter(cfg HTTPConfig, client *resty.Client) (*ChatAdapter, error) {
	sender, err := newHTTPSender(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("chat adapter: %w", err)
	}
	return &ChatAdapter{sender: sender}, nil
}

func (a *ChatAdapter) Channel() domain.Channel { return domain.ChannelChat }

func (a *ChatAdapter) Supports(ch domain.Channel) bool { return ch == domain.ChannelChat }

func (a *ChatAdapter) Deliver(ctx context.Context, n domain.Notification, prefs domain.UserPreferences) (*Result, error) {
	handle, ok := prefs.ContactFor(domain.ChannelChat)
	if !ok {
		return nil, fmt.Errorf("%w: chat handle for user %s", ErrMissingContactInfo, n.UserID)
	}

	return a.sender.post(ctx, buildChatPayload(handle, n))
}

func buildChatPayload(handle string, n domain.Notification) chatPayload {
	section := truncate(fmt.Sprintf("*%s*\n\n%s", n.Title, n.Body), maxSectionTextLength, truncationSuffix)

	return chatPayload{
		Channel: handle,
		Text:    truncate(n.Title, maxFallbackLength, truncationSuffix),
		Blocks: []chatBlock{
			{
				Type: "section",
				Text: &chatTextObject{Type: "mrkdwn", Text: section},
			},
			{
				Type:     "context",
				Elements: []chatTextObject{{Type: "mrkdwn", Text: fmt.Sprintf("%s • %s", n.Type, n.ID)}},
			},
		},
	}
}
