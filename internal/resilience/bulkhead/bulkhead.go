// Package bulkhead bounds concurrent deliveries per channel with
// golang.org/x/sync/semaphore.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"golang.org/x/sync/semaphore"
)

// ErrFull is returned when no slot frees up before the acquire timeout.
var ErrFull = errors.New("bulkhead is full")

// Config sizes one channel's bulkhead.
type Config struct {
	MaxConcurrent  int64
	AcquireTimeout time.Duration
}

// DefaultConfigs returns email 10/30s, sms 5/15s, chat 5/15s.
func DefaultConfigs() map[domain.Channel]Config {
	return map[domain.Channel]Config{
		domain.ChannelEmail: {MaxConcurrent: 10, AcquireTimeout: 30 * time.Second},
		domain.ChannelSMS:   {MaxConcurrent: 5, AcquireTimeout: 15 * time.Second},
		domain.ChannelChat:  {MaxConcurrent: 5, AcquireTimeout: 15 * time.Second},
	}
}

// Usage is a point-in-time utilization view.
type Usage struct {
	Channel  domain.Channel `json:"channel"`
	InUse    int64          `json:"inUse"`
	Capacity int64          `json:"capacity"`
}

// Bulkhead is a fixed-size slot pool for one channel.
type Bulkhead struct {
	channel domain.Channel
	sem     *semaphore.Weighted
	size    int64
	timeout time.Duration
	inUse   atomic.Int64
}

func New(channel domain.Channel, cfg Config) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Bulkhead{
		channel: channel,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		size:    cfg.MaxConcurrent,
		timeout: cfg.AcquireTimeout,
	}
}

// Acquire waits up to the configured timeout for a slot. The returned
// release func must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	acquireCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		// Caller cancellation is not saturation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s (capacity %d)", ErrFull, b.channel, b.size)
	}
	b.inUse.Add(1)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			b.inUse.Add(-1)
			b.sem.Release(1)
		}
	}, nil
}

func (b *Bulkhead) Usage() Usage {
	return Usage{Channel: b.channel, InUse: b.inUse.Load(), Capacity: b.size}
}

// Registry holds one bulkhead per channel; slots are never shared.
type Registry struct {
	bulkheads map[domain.Channel]*Bulkhead
}

func NewRegistry(configs map[domain.Channel]Config) *Registry {
	defaults := DefaultConfigs()
	bulkheads := make(map[domain.Channel]*Bulkhead, len(domain.ChannelPriority))
	for _, ch := range domain.ChannelPriority {
		cfg, ok := configs[ch]
		if !ok {
			cfg = defaults[ch]
		}
		bulkheads[ch] = New(ch, cfg)
	}
	return &Registry{bulkheads: bulkheads}
}

func (r *Registry) Get(ch domain.Channel) (*Bulkhead, error) {
	b, ok := r.bulkheads[ch]
	if !ok {
		return nil, fmt.Errorf("%w: no bulkhead for channel %q", domain.ErrValidation, ch)
	}
	return b, nil
}

// Usages returns utilization in channel priority order.
func (r *Registry) Usages() []Usage {
	out := make([]Usage, 0, len(r.bulkheads))
	for _, ch := range domain.ChannelPriority {
		if b, ok := r.bulkheads[ch]; ok {
			out = append(out, b.Usage())
		}
	}
	return out
}
