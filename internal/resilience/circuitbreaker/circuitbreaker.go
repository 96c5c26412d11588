// Package circuitbreaker isolates failing delivery channels behind a
// per-channel github.com/sony/gobreaker/v2 instance that counts failures
// over a rolling window.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const defaultBuckets = 10

// ErrOpen is returned while a channel's circuit rejects calls, including
// surplus calls in half-open state.
var ErrOpen = errors.New("circuit breaker is open")

// State mirrors gobreaker's states with stable string values.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count within Interval that opens the circuit.
	FailureThreshold uint32

	// Interval is the trailing window failures are counted over.
	Interval time.Duration

	// BucketPeriod is the granularity at which failures age out of
	// Interval. Defaults to Interval/10.
	BucketPeriod time.Duration

	// Timeout is how long the circuit stays open before a half-open trial.
	Timeout time.Duration

	// MaxRequests is the number of trial calls admitted while half-open.
	MaxRequests uint32

	// IsSuccessful decides whether an error counts as a breaker failure.
	// Defaults to err == nil.
	IsSuccessful func(err error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Interval:         60 * time.Second,
		Timeout:          5 * time.Minute,
		MaxRequests:      1,
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Channel             domain.Channel `json:"channel"`
	State               State          `json:"state"`
	FailureCount        uint32         `json:"failureCount"`
	ConsecutiveFailures uint32         `json:"consecutiveFailures"`
	LastFailureAt       *time.Time     `json:"lastFailureAt,omitempty"`
	LastSuccessAt       *time.Time     `json:"lastSuccessAt,omitempty"`
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(channel domain.Channel, from, to State)

// Breaker guards one channel.
type Breaker struct {
	channel      domain.Channel
	cb           *gobreaker.CircuitBreaker[struct{}]
	isSuccessful func(error) bool
	now          func() time.Time

	mu            sync.Mutex
	lastFailureAt time.Time
	lastSuccessAt time.Time
}

func New(channel domain.Channel, cfg Config, logger *zap.Logger, onChange StateChangeFunc) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	if cfg.BucketPeriod <= 0 && cfg.Interval > 0 {
		cfg.BucketPeriod = cfg.Interval / defaultBuckets
	}

	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:         channel.String(),
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		BucketPeriod: cfg.BucketPeriod,
		Timeout:      cfg.Timeout,
		IsSuccessful: isSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("channel", name),
				zap.String("from", string(fromGobreaker(from))),
				zap.String("to", string(fromGobreaker(to))),
			)
			if onChange != nil {
				onChange(channel, fromGobreaker(from), fromGobreaker(to))
			}
		},
	}

	return &Breaker{
		channel:      channel,
		cb:           gobreaker.NewCircuitBreaker[struct{}](settings),
		isSuccessful: isSuccessful,
		now:          time.Now,
	}
}

func (b *Breaker) Channel() domain.Channel { return b.channel }

// State returns the current state. An open circuit whose timeout elapsed
// reports half_open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Allow is the cheap gate checked before a bulkhead slot is taken.
func (b *Breaker) Allow() error {
	if b.State() == StateOpen {
		return fmt.Errorf("%w: %s", ErrOpen, b.channel)
	}
	return nil
}

// Execute runs fn through the breaker. Open and half-open rejections are
// returned as ErrOpen; errors from fn are returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	var callErr error
	_, err := b.cb.Execute(func() (struct{}, error) {
		callErr = fn()
		return struct{}{}, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.channel)
	}

	b.record(callErr)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isSuccessful(err) {
		if err == nil {
			b.lastSuccessAt = b.now().UTC()
		}
		return
	}
	b.lastFailureAt = b.now().UTC()
}

func (b *Breaker) Snapshot() Snapshot {
	// State rolls expired buckets out before Counts is read.
	state := b.State()
	counts := b.cb.Counts()
	s := Snapshot{
		Channel:             b.channel,
		State:               state,
		FailureCount:        counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		s.LastSuccessAt = &t
	}
	return s
}

// Registry holds one breaker per channel. The map is built once and only
// read afterwards.
type Registry struct {
	breakers map[domain.Channel]*Breaker
}

func NewRegistry(configs map[domain.Channel]Config, logger *zap.Logger, onChange StateChangeFunc) *Registry {
	breakers := make(map[domain.Channel]*Breaker, len(domain.ChannelPriority))
	for _, ch := range domain.ChannelPriority {
		cfg, ok := configs[ch]
		if !ok {
			cfg = DefaultConfig()
		}
		breakers[ch] = New(ch, cfg, logger, onChange)
	}
	return &Registry{breakers: breakers}
}

// Get returns the breaker for ch.
func (r *Registry) Get(ch domain.Channel) (*Breaker, error) {
	b, ok := r.breakers[ch]
	if !ok {
		return nil, fmt.Errorf("%w: no circuit breaker for channel %q", domain.ErrValidation, ch)
	}
	return b, nil
}

// Snapshots returns every breaker in channel priority order.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.breakers))
	for _, ch := range domain.ChannelPriority {
		if b, ok := r.breakers[ch]; ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
