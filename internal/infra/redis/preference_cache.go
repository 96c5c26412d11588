package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPreferenceTTL = 5 * time.Minute
	preferenceKeyPrefix  = "notification-engine:prefs"
)

// PreferenceCache stores user preferences as JSON with a TTL. Staleness is
// bounded by the TTL and by explicit Invalidate calls on update.
type PreferenceCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewPreferenceCache(client *goredis.Client, ttl time.Duration) (*PreferenceCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultPreferenceTTL
	}
	return &PreferenceCache{client: client, ttl: ttl}, nil
}

func preferenceKey(userID string) string {
	return preferenceKeyPrefix + ":" + userID
}

// Get returns the cached preferences; ok is false on a miss.
func (c *PreferenceCache) Get(ctx context.Context, userID string) (*domain.UserPreferences, bool, error) {
	raw, err := c.client.Get(ctx, preferenceKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached preferences: %w", err)
	}

	var prefs domain.UserPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		// Drop entries written by an incompatible version.
		_ = c.client.Del(ctx, preferenceKey(userID)).Err()
		return nil, false, nil
	}
	return &prefs, true, nil
}

func (c *PreferenceCache) Set(ctx context.Context, prefs *domain.UserPreferences) error {
	if prefs == nil {
		return fmt.Errorf("preferences are required")
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := c.client.Set(ctx, preferenceKey(prefs.UserID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache preferences: %w", err)
	}
	return nil
}

func (c *PreferenceCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, preferenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached preferences: %w", err)
	}
	return nil
}
