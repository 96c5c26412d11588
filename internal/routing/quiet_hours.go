package routing

import (
	"time"
	_ "time/tzdata"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// InQuietHours reports whether now falls inside the user's quiet window and,
// if so, when the window ends. The window timezone falls back to the user
// timezone and then UTC; unknown zones are treated as UTC.
func InQuietHours(prefs *domain.UserPreferences, now time.Time) (bool, time.Time) {
	if prefs == nil || !prefs.QuietHours.Enabled {
		return false, time.Time{}
	}

	q := prefs.QuietHours
	if q.StartHour == q.EndHour {
		return false, time.Time{}
	}

	loc := resolveLocation(q.Timezone, prefs.Timezone)
	local := now.In(loc)
	hour := local.Hour()

	var inside bool
	if q.StartHour < q.EndHour {
		inside = hour >= q.StartHour && hour < q.EndHour
	} else {
		inside = hour >= q.StartHour || hour < q.EndHour
	}
	if !inside {
		return false, time.Time{}
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), q.EndHour, 0, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return true, end.UTC()
}

func resolveLocation(names ...string) *time.Location {
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}
