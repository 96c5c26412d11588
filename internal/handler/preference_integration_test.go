package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
)

func TestPreferenceIntegration_GetPreferences(t *testing.T) {
	t.Parallel()

	email := "ada@example.com"
	svc := &stubPreferenceService{
		getFn: func(ctx context.Context, userID string) (*domain.UserPreferences, error) {
			if userID != "user-1" {
				return nil, fmt.Errorf("%w: preferences for %s", domain.ErrNotFound, userID)
			}
			return &domain.UserPreferences{
				UserID:         "user-1",
				Enabled:        true,
				Email:          &email,
				ChannelToggles: map[domain.Channel]bool{domain.ChannelEmail: true, domain.ChannelSMS: false},
				TypeOverrides:  map[domain.NotificationType][]domain.Channel{domain.TypeUrgentClaim: {domain.ChannelSMS}},
				QuietHours:     domain.QuietHours{Enabled: true, StartHour: 22, EndHour: 7, Timezone: "Europe/Istanbul"},
				UpdatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	app := newPreferenceTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/preferences/user-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed preferencesPayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Email == nil || *parsed.Email != email {
		t.Fatalf("email = %v, want %s", parsed.Email, email)
	}
	if !parsed.Channels["email"] || parsed.Channels["sms"] {
		t.Fatalf("channels = %v", parsed.Channels)
	}
	if got := parsed.TypeOverrides["urgent_claim"]; len(got) != 1 || got[0] != "sms" {
		t.Fatalf("type overrides = %v", parsed.TypeOverrides)
	}
	if parsed.QuietHours.StartHour != 22 || parsed.QuietHours.EndHour != 7 {
		t.Fatalf("quiet hours = %+v", parsed.QuietHours)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/preferences/user-2", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPreferenceIntegration_UpdatePreferences(t *testing.T) {
	t.Parallel()

	var got *domain.UserPreferences
	svc := &stubPreferenceService{
		updateFn: func(ctx context.Context, prefs *domain.UserPreferences) (*domain.UserPreferences, error) {
			prefs.Normalize()
			if err := prefs.Validate(); err != nil {
				return nil, err
			}
			got = prefs
			return prefs, nil
		},
	}
	app := newPreferenceTestApp(t, svc)

	body := `{"phone":"+905551112233","channels":{"sms":true,"chat":true},"typeOverrides":{"match-alert":["sms"]},"quietHours":{"enabled":true,"startHour":23,"endHour":6}}`
	resp, respBody := performRequest(t, app, http.MethodPut, "/v1/preferences/user-1", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if got.UserID != "user-1" || !got.Enabled {
		t.Fatalf("prefs = %+v, want enabled user-1", got)
	}
	if !got.ChannelToggles[domain.ChannelSMS] {
		t.Fatal("sms toggle should stay on with a phone number")
	}
	if got.ChannelToggles[domain.ChannelChat] {
		t.Fatal("chat toggle should be switched off without a chat handle")
	}
	if channels := got.TypeOverrides[domain.TypeMatchAlert]; len(channels) != 1 || channels[0] != domain.ChannelSMS {
		t.Fatalf("type overrides = %v", got.TypeOverrides)
	}

	invalid := []struct {
		name string
		path string
		body string
	}{
		{name: "malformed json", path: "/v1/preferences/user-1", body: `{"channels":`},
		{name: "unknown channel", path: "/v1/preferences/user-1", body: `{"channels":{"pager":true}}`},
		{name: "unknown override type", path: "/v1/preferences/user-1", body: `{"typeOverrides":{"digest":["email"]}}`},
		{name: "mismatched user", path: "/v1/preferences/user-1", body: `{"userId":"user-2"}`},
		{name: "quiet hour out of range", path: "/v1/preferences/user-1", body: `{"quietHours":{"enabled":true,"startHour":24,"endHour":6}}`},
		{name: "bad timezone", path: "/v1/preferences/user-1", body: `{"timezone":"Mars/Olympus"}`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := performRequest(t, app, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
			}
		})
	}
}

type stubPreferenceService struct {
	getFn    func(ctx context.Context, userID string) (*domain.UserPreferences, error)
	updateFn func(ctx context.Context, prefs *domain.UserPreferences) (*domain.UserPreferences, error)
}

func (s *stubPreferenceService) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	if s.getFn == nil {
		return nil, fmt.Errorf("unexpected Get call")
	}
	return s.getFn(ctx, userID)
}

func (s *stubPreferenceService) Update(ctx context.Context, prefs *domain.UserPreferences) (*domain.UserPreferences, error) {
	if s.updateFn == nil {
		return nil, fmt.Errorf("unexpected Update call")
	}
	return s.updateFn(ctx, prefs)
}

func newPreferenceTestApp(t *testing.T, svc PreferenceService) *fiber.App {
	t.Helper()
	return newTestApp(t, func(app *fiber.App) error {
		return RegisterPreferenceRoutes(app, svc)
	})
}
