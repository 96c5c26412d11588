package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 5 * time.Second
	defaultSchedulerScanLimit    = 100
)

// NotificationProcessor routes and dispatches a pending notification.
type NotificationProcessor interface {
	Process(ctx context.Context, n *domain.Notification) error
}

// Scheduler periodically releases scheduled and quiet-hours-deferred
// notifications once they are due.
type Scheduler struct {
	notifications repository.NotificationRepository
	processor     NotificationProcessor
	logger        *zap.Logger
	interval      time.Duration
	limit         int
	now           func() time.Time
}

func NewScheduler(
	notifications repository.NotificationRepository,
	processor NotificationProcessor,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("notification processor is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		notifications: notifications,
		processor:     processor,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
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
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.notifications.ClaimDueScheduled(ctx, now, s.limit)
	if err != nil {
		return fmt.Errorf("failed to claim due scheduled notifications: %w", err)
	}

	for i := range due {
		n := due[i]
		if err := s.processor.Process(observability.WithCorrelationID(ctx, n.CorrelationID), &n); err != nil {
			s.reschedule(ctx, &n, now)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to process scheduled notification",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// reschedule puts a claimed notification back on the schedule when Process
// failed before routing it, so the next scan claims it again.
func (s *Scheduler) reschedule(ctx context.Context, n *domain.Notification, at time.Time) {
	if !awaitingRouting(n) {
		return
	}
	if err := s.notifications.SetScheduledAt(context.WithoutCancel(ctx), n.ID, &at); err != nil {
		s.logger.Error("failed to reschedule notification",
			zap.String("notificationId", n.ID),
			zap.Error(err),
		)
	}
}
