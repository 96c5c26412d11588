package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryScanInterval    = time.Second
	defaultRetryScanLimit       = 100
	defaultRetryScanConcurrency = 10
)

// RetryScanner periodically claims due retry jobs and runs them back
// through the dispatcher.
type RetryScanner struct {
	retryJobs         repository.RetryJobRepository
	notifications     repository.NotificationRepository
	dispatcher        *Dispatcher
	logger            *zap.Logger
	interval          time.Duration
	limit             int
	concurrency       int
	cancelOnDelivered bool
	now               func() time.Time
}

func NewRetryScanner(
	retryJobs repository.RetryJobRepository,
	notifications repository.NotificationRepository,
	dispatcher *Dispatcher,
	interval time.Duration,
	limit int,
	concurrency int,
	cancelOnDelivered bool,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if retryJobs == nil {
		return nil, fmt.Errorf("retry job repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if concurrency <= 0 {
		concurrency = defaultRetryScanConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScanner{
		retryJobs:         retryJobs,
		notifications:     notifications,
		dispatcher:        dispatcher,
		logger:            logger,
		interval:          interval,
		limit:             limit,
		concurrency:       concurrency,
		cancelOnDelivered: cancelOnDelivered,
		now:               time.Now,
	}, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due retries do not wait for the first ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	jobs, err := s.retryJobs.ClaimDue(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to claim due retry jobs: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			s.runJob(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *RetryScanner) runJob(ctx context.Context, job domain.RetryJob) {
	logger := s.logger.With(
		zap.String("retryJobId", job.ID),
		zap.String("notificationId", job.NotificationID),
		zap.String("channel", job.Channel.String()),
		zap.Int("attemptNumber", job.AttemptNumber),
	)

	n, err := s.notifications.GetByID(ctx, job.NotificationID)
	if err != nil {
		logger.Error("failed to load notification for retry", zap.Error(err))
		s.release(ctx, job, err, logger)
		return
	}
	ctx = observability.WithCorrelationID(ctx, n.CorrelationID)

	if n.Status == domain.StatusDelivered && s.cancelOnDelivered {
		if err := s.retryJobs.Finish(ctx, job.ID, domain.RetryJobCancelled, nil); err != nil {
			logger.Error("failed to cancel retry job", zap.Error(err))
		}
		return
	}

	_, _, err = s.dispatcher.Dispatch(ctx, n, nil, []Target{{
		Channel:       job.Channel,
		AttemptNumber: job.AttemptNumber,
		RetryJobID:    job.ID,
	}})
	if err != nil {
		logger.Error("retry dispatch failed", zap.Error(err))
		s.release(ctx, job, err, logger)
	}
}

// release puts a job whose try never completed back into the pending set.
func (s *RetryScanner) release(ctx context.Context, job domain.RetryJob, cause error, logger *zap.Logger) {
	if errors.Is(cause, domain.ErrNotFound) {
		msg := cause.Error()
		if err := s.retryJobs.Finish(ctx, job.ID, domain.RetryJobCancelled, &msg); err != nil {
			logger.Error("failed to cancel orphaned retry job", zap.Error(err))
		}
		return
	}

	// The dispatch context may be gone during shutdown.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	msg := cause.Error()
	if err := s.retryJobs.Finish(releaseCtx, job.ID, domain.RetryJobPending, &msg); err != nil {
		logger.Error("failed to release retry job", zap.Error(err))
	}
}
