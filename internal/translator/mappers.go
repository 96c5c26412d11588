package translator

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

type postCreatedPayload struct {
	UserID    string `json:"user_id"`
	PostTitle string `json:"post_title"`
	PostType  string `json:"post_type"`
}

type matchDetectedPayload struct {
	UserID        string  `json:"user_id"`
	PostTitle     string  `json:"post_title"`
	MatchedPostID string  `json:"matched_post_id"`
	Score         float64 `json:"score"`
}

type claimInitiatedPayload struct {
	OwnerID      string `json:"owner_id"`
	PostTitle    string `json:"post_title"`
	ClaimantName string `json:"claimant_name"`
}

type postResolvedPayload struct {
	UserID    string `json:"user_id"`
	PostTitle string `json:"post_title"`
}

type userRegisteredPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func mapPostCreated(env Envelope) (domain.SendNotificationCommand, error) {
	var p postCreatedPayload
	if err := env.decodePayload(&p); err != nil {
		return domain.SendNotificationCommand{}, err
	}
	if err := require("user_id", p.UserID, "post_title", p.PostTitle); err != nil {
		return domain.SendNotificationCommand{}, err
	}

	kind := strings.ToLower(strings.TrimSpace(p.PostType))
	if kind == "" {
		kind = "item"
	}

	return domain.SendNotificationCommand{
		UserID: p.UserID,
		Type:   domain.TypeConfirmation,
		Title:  "Your post is live",
		Body: fmt.Sprintf("Your %s post %q has been published. We will let you know as soon as we find a match.",
			kind, strings.TrimSpace(p.PostTitle)),
		Metadata: map[string]string{"post_id": env.AggregateID},
	}, nil
}

func mapMatchDetected(env Envelope) (domain.SendNotificationCommand, error) {
	var p matchDetectedPayload
	if err := env.decodePayload(&p); err != nil {
		return domain.SendNotificationCommand{}, err
	}
	if err := require("user_id", p.UserID, "post_title", p.PostTitle); err != nil {
		return domain.SendNotificationCommand{}, err
	}

	metadata := map[string]string{}
	if id := strings.TrimSpace(p.MatchedPostID); id != "" {
		metadata["matched_post_id"] = id
	}

	body := fmt.Sprintf("We found a possible match for %q.", strings.TrimSpace(p.PostTitle))
	if p.Score > 0 {
		body = fmt.Sprintf("We found a possible match for %q (confidence %.0f%%).",
			strings.TrimSpace(p.PostTitle), p.Score*100)
	}

	return domain.SendNotificationCommand{
		UserID:   p.UserID,
		Type:     domain.TypeMatchAlert,
		Urgency:  domain.UrgencyHigh,
		Title:    "Possible match found",
		Body:     body,
		Metadata: metadata,
	}, nil
}

func mapClaimInitiated(env Envelope) (domain.SendNotificationCommand, error) {
	var p claimInitiatedPayload
	if err := env.decodePayload(&p); err != nil {
		return domain.SendNotificationCommand{}, err
	}
	if err := require("owner_id", p.OwnerID, "post_title", p.PostTitle); err != nil {
		return domain.SendNotificationCommand{}, err
	}

	claimant := strings.TrimSpace(p.ClaimantName)
	if claimant == "" {
		claimant = "Someone"
	}

	return domain.SendNotificationCommand{
		UserID:   p.OwnerID,
		Type:     domain.TypeUrgentClaim,
		Urgency:  domain.UrgencyCritical,
		Title:    "Action needed: claim on your item",
		Body:     fmt.Sprintf("%s has claimed %q. Please review the claim now.", claimant, strings.TrimSpace(p.PostTitle)),
		Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelChat},
		Metadata: map[string]string{"post_id": env.AggregateID},
	}, nil
}

func mapPostResolved(env Envelope) (domain.SendNotificationCommand, error) {
	var p postResolvedPayload
	if err := env.decodePayload(&p); err != nil {
		return domain.SendNotificationCommand{}, err
	}
	if err := require("user_id", p.UserID, "post_title", p.PostTitle); err != nil {
		return domain.SendNotificationCommand{}, err
	}

	return domain.SendNotificationCommand{
		UserID:   p.UserID,
		Type:     domain.TypeResolution,
		Title:    "Your item has been returned",
		Body:     fmt.Sprintf("Good news: %q has been marked as resolved. Thanks for using the service.", strings.TrimSpace(p.PostTitle)),
		Metadata: map[string]string{"post_id": env.AggregateID},
	}, nil
}

func mapUserRegistered(env Envelope) (domain.SendNotificationCommand, error) {
	var p userRegisteredPayload
	if err := env.decodePayload(&p); err != nil {
		return domain.SendNotificationCommand{}, err
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = env.AggregateID
	}

	greeting := "Welcome aboard!"
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		greeting = fmt.Sprintf("Welcome aboard, %s!", name)
	}

	return domain.SendNotificationCommand{
		UserID: userID,
		Type:   domain.TypeWelcome,
		Title:  "Welcome",
		Body:   greeting + " You can now report lost and found items and get notified about matches.",
	}, nil
}

// require takes name/value pairs and fails on the first blank value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("payload field %s is required", pairs[i])
		}
	}
	return nil
}
