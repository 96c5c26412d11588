package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBaseRetryDelay = time.Second
	defaultMaxRetryDelay  = 32 * time.Second
	defaultRetryJitter    = 0.2
)

// BackoffConfig shapes the retry delay sequence.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// RetryDecision is what the scheduler did with a failed attempt.
type RetryDecision string

const (
	RetryNotRetryable RetryDecision = "not_retryable"
	RetryScheduled    RetryDecision = "scheduled"
	RetryDeadLettered RetryDecision = "dead_lettered"
)

// RetryScheduler turns failed attempts into durable retry jobs, or into a
// dead letter once a channel used all of its tries.
type RetryScheduler struct {
	notifications repository.NotificationRepository
	retryJobs     repository.RetryJobRepository
	deadLetters   repository.DeadLetterRepository
	backoff       BackoffConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	randFloat     func() float64
}

func NewRetryScheduler(
	notifications repository.NotificationRepository,
	retryJobs repository.RetryJobRepository,
	deadLetters repository.DeadLetterRepository,
	backoff BackoffConfig,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if retryJobs == nil {
		return nil, fmt.Errorf("retry job repository is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if backoff.Base <= 0 {
		backoff.Base = defaultBaseRetryDelay
	}
	if backoff.Max <= 0 {
		backoff.Max = defaultMaxRetryDelay
	}
	if backoff.Jitter < 0 || backoff.Jitter >= 1 {
		backoff.Jitter = defaultRetryJitter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		notifications: notifications,
		retryJobs:     retryJobs,
		deadLetters:   deadLetters,
		backoff:       backoff,
		logger:        logger,
		now:           time.Now,
		randFloat:     rand.Float64,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// HandleFailure schedules the next try for a failed attempt. Attempt n of a
// channel is retried while n <= max_retries, so a channel never sees more
// than max_retries+1 tries. Permanent provider failures are dead-lettered
// at once; validation failures are neither retried nor dead-lettered.
func (s *RetryScheduler) HandleFailure(
	ctx context.Context,
	n *domain.Notification,
	attempt *domain.DeliveryAttempt,
	retryable bool,
) (RetryDecision, error) {
	kind := domain.ErrorKindProviderError
	if attempt.FailureKind != nil {
		kind = *attempt.FailureKind
	}
	if kind.IsValidation() {
		return RetryNotRetryable, nil
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("channel", attempt.Channel.String()),
		zap.Int("attemptNumber", attempt.AttemptNumber),
	)

	if !retryable || attempt.AttemptNumber > n.MaxRetries {
		reason := kind.String()
		if attempt.FailureReason != nil {
			reason = *attempt.FailureReason
		}
		deadLetter := &domain.DeadLetter{
			ID:             uuid.NewString(),
			NotificationID: n.ID,
			Channel:        attempt.Channel,
			Attempts:       attempt.AttemptNumber,
			FailureKind:    kind,
			FailureReason:  reason,
			CreatedAt:      s.now().UTC(),
		}
		if err := s.deadLetters.Create(ctx, deadLetter); err != nil {
			return "", fmt.Errorf("failed to create dead letter: %w", err)
		}
		if s.metrics != nil {
			s.metrics.IncDeadLetter(attempt.Channel.String(), kind.String())
		}
		logger.Warn("channel delivery moved to dead letter",
			zap.String("deadLetterId", deadLetter.ID),
			zap.String("failureKind", kind.String()),
			zap.Bool("retryable", retryable),
		)
		return RetryDeadLettered, nil
	}

	delay := s.Delay(attempt.AttemptNumber)
	now := s.now().UTC()
	job := &domain.RetryJob{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		Channel:        attempt.Channel,
		AttemptNumber:  attempt.AttemptNumber + 1,
		NextAttemptAt:  now.Add(delay),
		Status:         domain.RetryJobPending,
		LastError:      attempt.FailureReason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.retryJobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create retry job: %w", err)
	}
	if err := s.notifications.BumpRetryCount(ctx, n.ID, attempt.AttemptNumber); err != nil {
		return "", fmt.Errorf("failed to bump retry count: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncRetryScheduled(attempt.Channel.String())
	}

	logger.Info("retry scheduled",
		zap.Duration("delay", delay),
		zap.Time("nextAttemptAt", job.NextAttemptAt),
		zap.String("failureKind", kind.String()),
	)
	return RetryScheduled, nil
}

// Delay returns the jittered backoff before the retry that follows
// attemptNumber: base*2^(attemptNumber-1), capped, then scaled by
// [1-jitter, 1+jitter].
func (s *RetryScheduler) Delay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := s.backoff.Base
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= s.backoff.Max {
			delay = s.backoff.Max
			break
		}
	}
	if delay > s.backoff.Max {
		delay = s.backoff.Max
	}

	if s.randFloat == nil || s.backoff.Jitter == 0 {
		return delay
	}
	factor := 1 - s.backoff.Jitter + 2*s.backoff.Jitter*s.randFloat()
	return time.Duration(float64(delay) * factor)
}
