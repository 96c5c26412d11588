package routing

import (
	"reflect"
	"testing"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

func strPtr(v string) *string { return &v }

func prefsWith(channels ...domain.Channel) *domain.UserPreferences {
	p := &domain.UserPreferences{
		UserID:         "user-1",
		Enabled:        true,
		ChannelToggles: map[domain.Channel]bool{},
	}
	for _, ch := range channels {
		p.ChannelToggles[ch] = true
		switch ch {
		case domain.ChannelEmail:
			p.Email = strPtr("user@example.com")
		case domain.ChannelSMS:
			p.Phone = strPtr("+905551112233")
		case domain.ChannelChat:
			p.ChatHandle = strPtr("@user")
		}
	}
	return p
}

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRouterSelectPolicy(t *testing.T) {
	t.Parallel()

	all := []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelChat}

	tests := []struct {
		name      string
		typ       domain.NotificationType
		urgency   domain.Urgency
		requested []domain.Channel
		prefs     *domain.UserPreferences
		want      []domain.Channel
	}{
		{
			name:  "match alert with email only",
			typ:   domain.TypeMatchAlert,
			prefs: prefsWith(domain.ChannelEmail),
			want:  []domain.Channel{domain.ChannelEmail},
		},
		{
			name:  "match alert takes primary and secondary",
			typ:   domain.TypeMatchAlert,
			prefs: prefsWith(all...),
			want:  []domain.Channel{domain.ChannelEmail, domain.ChannelSMS},
		},
		{
			name:  "confirmation uses first enabled channel",
			typ:   domain.TypeConfirmation,
			prefs: prefsWith(domain.ChannelSMS, domain.ChannelChat),
			want:  []domain.Channel{domain.ChannelSMS},
		},
		{
			name:  "urgent claim uses every available channel",
			typ:   domain.TypeUrgentClaim,
			prefs: prefsWith(all...),
			want:  all,
		},
		{
			name:      "requested channels replace the default",
			typ:       domain.TypeWelcome,
			requested: []domain.Channel{domain.ChannelChat, domain.ChannelEmail},
			prefs:     prefsWith(all...),
			want:      []domain.Channel{domain.ChannelChat, domain.ChannelEmail},
		},
		{
			name:      "requested channels without contact are dropped",
			typ:       domain.TypeWelcome,
			requested: []domain.Channel{domain.ChannelSMS},
			prefs:     prefsWith(domain.ChannelEmail),
			want:      []domain.Channel{},
		},
		{
			name: "type override replaces default",
			typ:  domain.TypeResolution,
			prefs: func() *domain.UserPreferences {
				p := prefsWith(all...)
				p.TypeOverrides = map[domain.NotificationType][]domain.Channel{
					domain.TypeResolution: {domain.ChannelChat, domain.ChannelSMS},
				}
				return p
			}(),
			want: []domain.Channel{domain.ChannelChat, domain.ChannelSMS},
		},
		{
			name: "disabled toggle is filtered",
			typ:  domain.TypeUrgentClaim,
			prefs: func() *domain.UserPreferences {
				p := prefsWith(all...)
				p.ChannelToggles[domain.ChannelSMS] = false
				return p
			}(),
			want: []domain.Channel{domain.ChannelEmail, domain.ChannelChat},
		},
		{
			name: "globally disabled user has no channels",
			typ:  domain.TypeUrgentClaim,
			prefs: func() *domain.UserPreferences {
				p := prefsWith(all...)
				p.Enabled = false
				return p
			}(),
		},
		{
			name: "missing preferences",
			typ:  domain.TypeWelcome,
		},
	}

	router := NewRouter()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := router.Select(tt.typ, tt.urgency, tt.requested, tt.prefs, noon)
			if len(got.Channels) == 0 && len(tt.want) == 0 {
				if got.Deferred() {
					t.Fatal("empty decision should not be deferred")
				}
				return
			}
			if !reflect.DeepEqual(got.Channels, tt.want) {
				t.Fatalf("Select() = %v, want %v", got.Channels, tt.want)
			}
		})
	}
}

func TestRouterSelectQuietHours(t *testing.T) {
	t.Parallel()

	quiet := func(p *domain.UserPreferences) *domain.UserPreferences {
		p.QuietHours = domain.QuietHours{Enabled: true, StartHour: 22, EndHour: 7, Timezone: "Europe/Istanbul"}
		return p
	}
	// 23:30 in Istanbul (UTC+3).
	night := time.Date(2026, 3, 10, 20, 30, 0, 0, time.UTC)

	router := NewRouter()

	t.Run("urgent claim ignores quiet hours", func(t *testing.T) {
		t.Parallel()

		got := router.Select(domain.TypeUrgentClaim, domain.UrgencyCritical, nil,
			quiet(prefsWith(domain.ChannelEmail, domain.ChannelSMS)), night)
		want := []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}
		if !reflect.DeepEqual(got.Channels, want) {
			t.Fatalf("Select() = %v, want %v", got.Channels, want)
		}
		if got.QuietHours {
			t.Fatal("urgent decision should not be marked as quiet")
		}
	})

	t.Run("critical urgency ignores quiet hours", func(t *testing.T) {
		t.Parallel()

		got := router.Select(domain.TypeMatchAlert, domain.UrgencyCritical, nil,
			quiet(prefsWith(domain.ChannelEmail, domain.ChannelSMS)), night)
		if len(got.Channels) != 2 {
			t.Fatalf("Select() = %v, want two channels", got.Channels)
		}
	})

	t.Run("non urgent collapses to email", func(t *testing.T) {
		t.Parallel()

		got := router.Select(domain.TypeMatchAlert, domain.UrgencyHigh, nil,
			quiet(prefsWith(domain.ChannelEmail, domain.ChannelSMS)), night)
		want := []domain.Channel{domain.ChannelEmail}
		if !reflect.DeepEqual(got.Channels, want) {
			t.Fatalf("Select() = %v, want %v", got.Channels, want)
		}
		if !got.QuietHours {
			t.Fatal("decision should be marked as quiet")
		}
	})

	t.Run("no email defers until window end", func(t *testing.T) {
		t.Parallel()

		got := router.Select(domain.TypeConfirmation, domain.UrgencyNormal, nil,
			quiet(prefsWith(domain.ChannelSMS)), night)
		if len(got.Channels) != 0 {
			t.Fatalf("Select() = %v, want no channels", got.Channels)
		}
		if !got.Deferred() {
			t.Fatal("decision should be deferred")
		}
		// 07:00 Istanbul next day is 04:00 UTC.
		want := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
		if !got.DeferUntil.Equal(want) {
			t.Fatalf("DeferUntil = %s, want %s", got.DeferUntil, want)
		}
	})

	t.Run("outside window keeps channels", func(t *testing.T) {
		t.Parallel()

		got := router.Select(domain.TypeMatchAlert, domain.UrgencyNormal, nil,
			quiet(prefsWith(domain.ChannelEmail, domain.ChannelSMS)), noon)
		if len(got.Channels) != 2 {
			t.Fatalf("Select() = %v, want two channels", got.Channels)
		}
	})
}

func TestInQuietHours(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		quiet   domain.QuietHours
		userTZ  string
		now     time.Time
		want    bool
		wantEnd time.Time
	}{
		{
			name:  "disabled",
			quiet: domain.QuietHours{StartHour: 0, EndHour: 23},
			now:   noon,
		},
		{
			name:  "empty window",
			quiet: domain.QuietHours{Enabled: true, StartHour: 9, EndHour: 9},
			now:   noon,
		},
		{
			name:    "same day window",
			quiet:   domain.QuietHours{Enabled: true, StartHour: 9, EndHour: 17},
			now:     noon,
			want:    true,
			wantEnd: time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC),
		},
		{
			name:  "end hour is exclusive",
			quiet: domain.QuietHours{Enabled: true, StartHour: 9, EndHour: 12},
			now:   noon,
		},
		{
			name:    "wraps midnight after start",
			quiet:   domain.QuietHours{Enabled: true, StartHour: 22, EndHour: 6},
			now:     time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
			want:    true,
			wantEnd: time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC),
		},
		{
			name:    "wraps midnight before end",
			quiet:   domain.QuietHours{Enabled: true, StartHour: 22, EndHour: 6},
			now:     time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
			want:    true,
			wantEnd: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
		},
		{
			name:    "falls back to user timezone",
			quiet:   domain.QuietHours{Enabled: true, StartHour: 13, EndHour: 16},
			userTZ:  "Europe/Istanbul",
			now:     noon,
			want:    true,
			wantEnd: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prefs := &domain.UserPreferences{QuietHours: tt.quiet, Timezone: tt.userTZ}
			got, end := InQuietHours(prefs, tt.now)
			if got != tt.want {
				t.Fatalf("InQuietHours() = %v, want %v", got, tt.want)
			}
			if tt.want && !end.Equal(tt.wantEnd) {
				t.Fatalf("window end = %s, want %s", end, tt.wantEnd)
			}
		})
	}
}
