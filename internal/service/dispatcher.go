package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/provider"
	"github.com/kursadbilgin/notification-engine/internal/ratelimit"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"github.com/kursadbilgin/notification-engine/internal/resilience/bulkhead"
	"github.com/kursadbilgin/notification-engine/internal/resilience/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultCallTimeout = 10 * time.Second

// PreferenceReader resolves a user's delivery preferences.
type PreferenceReader interface {
	Get(ctx context.Context, userID string) (*domain.UserPreferences, error)
}

// Target is one channel try of a notification.
type Target struct {
	Channel       domain.Channel
	AttemptNumber int
	// RetryJobID is set when the try comes from a claimed retry job.
	RetryJobID string
}

// ChannelOutcome reports what happened on one channel.
type ChannelOutcome struct {
	Channel  domain.Channel
	Attempt  *domain.DeliveryAttempt
	Decision RetryDecision
}

// Dispatcher runs each channel try through the circuit breaker gate, the
// bulkhead, the provider rate limit and the adapter, then records the
// attempt and hands failures to the retry scheduler.
type Dispatcher struct {
	lifecycle    *LifecycleManager
	retries      *RetryScheduler
	retryJobs    repository.RetryJobRepository
	preferences  PreferenceReader
	adapters     provider.Adapters
	breakers     *circuitbreaker.Registry
	bulkheads    *bulkhead.Registry
	rateLimiter  ratelimit.RateLimiter
	callTimeouts map[domain.Channel]time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewDispatcher(
	lifecycle *LifecycleManager,
	retries *RetryScheduler,
	retryJobs repository.RetryJobRepository,
	preferences PreferenceReader,
	adapters provider.Adapters,
	breakers *circuitbreaker.Registry,
	bulkheads *bulkhead.Registry,
	rateLimiter ratelimit.RateLimiter,
	callTimeouts map[domain.Channel]time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}
	if retryJobs == nil {
		return nil, fmt.Errorf("retry job repository is required")
	}
	if preferences == nil {
		return nil, fmt.Errorf("preference reader is required")
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(nil, logger, nil)
	}
	if bulkheads == nil {
		bulkheads = bulkhead.NewRegistry(nil)
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		lifecycle:    lifecycle,
		retries:      retries,
		retryJobs:    retryJobs,
		preferences:  preferences,
		adapters:     adapters,
		breakers:     breakers,
		bulkheads:    bulkheads,
		rateLimiter:  rateLimiter,
		callTimeouts: callTimeouts,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch tries every target in parallel and returns the recomputed
// notification. Channel failures are recorded, not returned; the error is
// reserved for persistence and cancellation problems.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	n *domain.Notification,
	prefs *domain.UserPreferences,
	targets []Target,
) (*domain.Notification, []ChannelOutcome, error) {
	if len(targets) == 0 {
		return n, nil, nil
	}

	if prefs == nil {
		loaded, err := loadPreferences(ctx, d.preferences, n.UserID)
		if err != nil {
			return nil, nil, err
		}
		prefs = loaded
	}

	outcomes := make([]ChannelOutcome, len(targets))
	var mu sync.Mutex
	var errs []error

	// Channels are isolated: one channel's system error must not cancel
	// the others.
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			outcome, err := d.dispatchChannel(ctx, n, prefs, target)
			outcomes[i] = outcome
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", target.Channel, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	updated, err := d.lifecycle.Recompute(ctx, n.ID)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return updated, outcomes, errors.Join(errs...)
	}
	return updated, outcomes, nil
}

func (d *Dispatcher) dispatchChannel(
	ctx context.Context,
	n *domain.Notification,
	prefs *domain.UserPreferences,
	target Target,
) (ChannelOutcome, error) {
	outcome := ChannelOutcome{Channel: target.Channel}
	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("channel", target.Channel.String()),
		zap.Int("attemptNumber", target.AttemptNumber),
	)

	attemptedAt := d.now().UTC()
	result, callErr := d.invoke(ctx, n, prefs, target.Channel)
	if callErr != nil && ctx.Err() != nil {
		// Shutdown or caller cancellation: leave the last durable state.
		return outcome, ctx.Err()
	}

	attempt := d.buildAttempt(n, target, attemptedAt, result, callErr)
	if err := d.lifecycle.RecordAttempt(ctx, attempt); err != nil {
		return outcome, err
	}
	outcome.Attempt = attempt

	if callErr != nil {
		kind := *attempt.FailureKind
		retryable := kind.IsResourceExhaustion() || provider.IsTransient(callErr)
		logger.Warn("channel delivery failed",
			zap.String("failureKind", kind.String()),
			zap.Bool("retryable", retryable),
			zap.Error(callErr),
		)

		decision, err := d.retries.HandleFailure(ctx, n, attempt, retryable)
		if err != nil {
			return outcome, err
		}
		outcome.Decision = decision
	} else {
		logger.Info("channel delivery accepted",
			zap.String("attemptStatus", attempt.Status.String()),
		)
	}

	if target.RetryJobID != "" {
		if err := d.retryJobs.Finish(ctx, target.RetryJobID, domain.RetryJobDone, attempt.FailureReason); err != nil {
			return outcome, fmt.Errorf("failed to finish retry job: %w", err)
		}
	}

	return outcome, nil
}

// invoke is the per-channel resilience pipeline.
func (d *Dispatcher) invoke(
	ctx context.Context,
	n *domain.Notification,
	prefs *domain.UserPreferences,
	ch domain.Channel,
) (*provider.Result, error) {
	adapter, err := d.adapters.For(ch)
	if err != nil {
		return nil, err
	}
	breaker, err := d.breakers.Get(ch)
	if err != nil {
		return nil, err
	}
	slots, err := d.bulkheads.Get(ch)
	if err != nil {
		return nil, err
	}

	// Validation failures never reach the breaker, so they cannot close a
	// half-open circuit or count against a healthy one.
	if _, ok := prefs.ContactFor(ch); !ok {
		return nil, fmt.Errorf("%w: %s for user %s", provider.ErrMissingContactInfo, ch, n.UserID)
	}

	if err := breaker.Allow(); err != nil {
		d.metrics.IncResourceRejection(ch.String(), domain.ErrorKindCircuitOpen.String())
		return nil, err
	}

	release, err := slots.Acquire(ctx)
	if err != nil {
		if errors.Is(err, bulkhead.ErrFull) {
			d.metrics.IncResourceRejection(ch.String(), domain.ErrorKindTooManyRequests.String())
		}
		return nil, err
	}
	d.metrics.IncBulkheadInUse(ch.String())
	defer func() {
		release()
		d.metrics.DecBulkheadInUse(ch.String())
	}()

	if err := d.rateLimiter.Wait(ctx, ch); err != nil {
		return nil, &provider.ProviderError{
			Kind:      domain.ErrorKindRateLimited,
			Message:   "provider rate limit wait failed",
			Transient: true,
			Cause:     err,
		}
	}

	var result *provider.Result
	err = breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout(ch))
		defer cancel()

		start := d.now()
		res, callErr := adapter.Deliver(callCtx, *n, *prefs)
		d.metrics.ObserveDeliveryDuration(ch.String(), d.now().Sub(start))
		if callErr == nil && res == nil {
			callErr = &provider.ProviderError{
				Kind:      domain.ErrorKindProviderError,
				Message:   "adapter returned no result",
				Transient: true,
			}
		}
		result = res
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		d.metrics.IncResourceRejection(ch.String(), domain.ErrorKindCircuitOpen.String())
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) callTimeout(ch domain.Channel) time.Duration {
	if timeout, ok := d.callTimeouts[ch]; ok && timeout > 0 {
		return timeout
	}
	return defaultCallTimeout
}

func (d *Dispatcher) buildAttempt(
	n *domain.Notification,
	target Target,
	attemptedAt time.Time,
	result *provider.Result,
	callErr error,
) *domain.DeliveryAttempt {
	attempt := &domain.DeliveryAttempt{
		NotificationID: n.ID,
		Channel:        target.Channel,
		AttemptNumber:  target.AttemptNumber,
		AttemptedAt:    attemptedAt,
	}

	if callErr != nil {
		kind := failureKind(callErr)
		reason := callErr.Error()
		attempt.Status = domain.AttemptFailed
		attempt.FailureKind = &kind
		attempt.FailureReason = &reason

		var providerErr *provider.ProviderError
		if errors.As(callErr, &providerErr) && providerErr.StatusCode > 0 {
			code := providerErr.StatusCode
			attempt.StatusCode = &code
		}
		return attempt
	}

	attempt.Status = result.Status
	if attempt.Status == domain.AttemptDelivered {
		at := d.now().UTC()
		attempt.DeliveredAt = &at
	}
	if ref := strings.TrimSpace(result.ProviderRef); ref != "" {
		attempt.ProviderRef = &ref
	}
	if result.StatusCode > 0 {
		code := result.StatusCode
		attempt.StatusCode = &code
	}
	return attempt
}

func failureKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return domain.ErrorKindCircuitOpen
	case errors.Is(err, bulkhead.ErrFull):
		return domain.ErrorKindTooManyRequests
	default:
		return provider.KindOf(err)
	}
}

// loadPreferences treats an unknown user as one without any channel.
func loadPreferences(ctx context.Context, reader PreferenceReader, userID string) (*domain.UserPreferences, error) {
	prefs, err := reader.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.UserPreferences{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return prefs, nil
}
