package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

type PreferenceService interface {
	Get(ctx context.Context, userID string) (*domain.UserPreferences, error)
	Update(ctx context.Context, prefs *domain.UserPreferences) (*domain.UserPreferences, error)
}

type PreferenceHandler struct {
	service PreferenceService
}

func NewPreferenceHandler(service PreferenceService) (*PreferenceHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("preference service is required")
	}
	return &PreferenceHandler{service: service}, nil
}

func RegisterPreferenceRoutes(router fiber.Router, service PreferenceService) error {
	h, err := NewPreferenceHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/preferences/:userId", h.GetPreferences)
	v1.Put("/preferences/:userId", h.UpdatePreferences)

	return nil
}

type quietHoursPayload struct {
	Enabled   bool   `json:"enabled"`
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Timezone  string `json:"timezone,omitempty"`
}

type preferencesPayload struct {
	UserID        string              `json:"userId,omitempty"`
	Enabled       *bool               `json:"enabled,omitempty"`
	Email         *string             `json:"email,omitempty"`
	Phone         *string             `json:"phone,omitempty"`
	ChatHandle    *string             `json:"chatHandle,omitempty"`
	Timezone      string              `json:"timezone,omitempty"`
	Channels      map[string]bool     `json:"channels,omitempty"`
	TypeOverrides map[string][]string `json:"typeOverrides,omitempty"`
	QuietHours    quietHoursPayload   `json:"quietHours"`
	UpdatedAt     *time.Time          `json:"updatedAt,omitempty"`
}

func (h *PreferenceHandler) GetPreferences(c *fiber.Ctx) error {
	prefs, err := h.service.Get(requestContext(c), c.Params("userId"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toPreferencesPayload(prefs))
}

func (h *PreferenceHandler) UpdatePreferences(c *fiber.Ctx) error {
	var req preferencesPayload
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	userID := strings.TrimSpace(c.Params("userId"))
	if req.UserID != "" && strings.TrimSpace(req.UserID) != userID {
		return fmt.Errorf("%w: body userId does not match path", domain.ErrValidation)
	}

	prefs, err := payloadToPreferences(userID, req)
	if err != nil {
		return err
	}

	updated, err := h.service.Update(requestContext(c), prefs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toPreferencesPayload(updated))
}

func payloadToPreferences(userID string, req preferencesPayload) (*domain.UserPreferences, error) {
	prefs := &domain.UserPreferences{
		UserID:         userID,
		Enabled:        true,
		Email:          req.Email,
		Phone:          req.Phone,
		ChatHandle:     req.ChatHandle,
		Timezone:       req.Timezone,
		ChannelToggles: make(map[domain.Channel]bool, len(req.Channels)),
		QuietHours: domain.QuietHours{
			Enabled:   req.QuietHours.Enabled,
			StartHour: req.QuietHours.StartHour,
			EndHour:   req.QuietHours.EndHour,
			Timezone:  req.QuietHours.Timezone,
		},
	}
	if req.Enabled != nil {
		prefs.Enabled = *req.Enabled
	}

	for raw, enabled := range req.Channels {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		prefs.ChannelToggles[ch] = enabled
	}

	if len(req.TypeOverrides) > 0 {
		prefs.TypeOverrides = make(map[domain.NotificationType][]domain.Channel, len(req.TypeOverrides))
		for rawType, rawChannels := range req.TypeOverrides {
			t, err := domain.ParseTypeFromString(rawType)
			if err != nil {
				return nil, err
			}
			channels, err := domain.ParseChannels(rawChannels)
			if err != nil {
				return nil, err
			}
			prefs.TypeOverrides[t] = channels
		}
	}

	return prefs, nil
}

func toPreferencesPayload(p *domain.UserPreferences) preferencesPayload {
	if p == nil {
		return preferencesPayload{}
	}

	enabled := p.Enabled
	resp := preferencesPayload{
		UserID:     p.UserID,
		Enabled:    &enabled,
		Email:      p.Email,
		Phone:      p.Phone,
		ChatHandle: p.ChatHandle,
		Timezone:   p.Timezone,
		Channels:   make(map[string]bool, len(p.ChannelToggles)),
		QuietHours: quietHoursPayload{
			Enabled:   p.QuietHours.Enabled,
			StartHour: p.QuietHours.StartHour,
			EndHour:   p.QuietHours.EndHour,
			Timezone:  p.QuietHours.Timezone,
		},
	}
	for ch, on := range p.ChannelToggles {
		resp.Channels[ch.String()] = on
	}
	if len(p.TypeOverrides) > 0 {
		resp.TypeOverrides = make(map[string][]string, len(p.TypeOverrides))
		for t, channels := range p.TypeOverrides {
			resp.TypeOverrides[t.String()] = channelStrings(channels)
		}
	}
	if !p.UpdatedAt.IsZero() {
		updatedAt := p.UpdatedAt
		resp.UpdatedAt = &updatedAt
	}
	return resp
}
