package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options overrides pool settings parsed from the URL. Zero values keep
// the URL's or the client's defaults.
type Options struct {
	PoolSize int
	// Timeout applies to dial, read and write.
	Timeout time.Duration
}

func NewRedis(ctx context.Context, url string, options Options) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if options.PoolSize > 0 {
		opts.PoolSize = options.PoolSize
	}
	if options.Timeout > 0 {
		opts.DialTimeout = options.Timeout
		opts.ReadTimeout = options.Timeout
		opts.WriteTimeout = options.Timeout
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
