package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultDedupTTL = time.Hour
	dedupKeyPrefix  = "notification-engine:dedup"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// DedupGuard maps a dedup key to the first notification that claimed it
// for a TTL window.
type DedupGuard struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewDedupGuard(client *goredis.Client, ttl time.Duration) (*DedupGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupGuard{client: client, ttl: ttl}, nil
}

// Claim stores key -> notificationID unless the key is already held. When
// it is, the holder's notification id is returned with claimed=false.
func (g *DedupGuard) Claim(ctx context.Context, key, notificationID string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("dedup key is required")
	}

	redisKey := dedupKeyPrefix + ":" + key
	for i := 0; i < 2; i++ {
		ok, err := g.client.SetNX(ctx, redisKey, notificationID, g.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim dedup key: %w", err)
		}
		if ok {
			return notificationID, true, nil
		}

		existing, err := g.client.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read dedup key: %w", err)
		}
		return existing, false, nil
	}

	return "", false, fmt.Errorf("dedup key %q kept changing while claiming", key)
}

// Release drops the key if notificationID still holds it.
func (g *DedupGuard) Release(ctx context.Context, key, notificationID string) error {
	redisKey := dedupKeyPrefix + ":" + strings.TrimSpace(key)
	if err := releaseScript.Run(ctx, g.client, []string{redisKey}, notificationID).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}
