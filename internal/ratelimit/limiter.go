package ratelimit

import (
	"context"

	"github.com/kursadbilgin/notification-engine/internal/domain"
)

// RateLimiter caps provider throughput per channel across every engine
// instance sharing the same backend.
type RateLimiter interface {
	Allow(ctx context.Context, channel domain.Channel) (bool, error)
	Wait(ctx context.Context, channel domain.Channel) error
}

// Unlimited never throttles. Used when no shared backend is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, domain.Channel) (bool, error) { return true, nil }

func (Unlimited) Wait(context.Context, domain.Channel) error { return nil }
