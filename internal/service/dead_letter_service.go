package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"go.uber.org/zap"
)

// DeadLetterService lets operators inspect and replay dead-lettered
// channel deliveries.
type DeadLetterService struct {
	deadLetters   repository.DeadLetterRepository
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	lifecycle     *LifecycleManager
	dispatcher    *Dispatcher
	logger        *zap.Logger
	now           func() time.Time
}

func NewDeadLetterService(
	deadLetters repository.DeadLetterRepository,
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	lifecycle *LifecycleManager,
	dispatcher *Dispatcher,
	logger *zap.Logger,
) (*DeadLetterService, error) {
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeadLetterService{
		deadLetters:   deadLetters,
		notifications: notifications,
		attempts:      attempts,
		lifecycle:     lifecycle,
		dispatcher:    dispatcher,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *DeadLetterService) List(
	ctx context.Context,
	params repository.DeadLetterListParams,
) ([]domain.DeadLetter, int64, error) {
	return s.deadLetters.List(ctx, params)
}

// Reprocess replays one dead-lettered channel with the next attempt
// number. A failed replay follows the normal retry policy for that number,
// so an exhausted channel is dead-lettered again at once.
func (s *DeadLetterService) Reprocess(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: dead letter id is required", domain.ErrValidation)
	}

	deadLetter, err := s.deadLetters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if deadLetter.ReprocessedAt != nil {
		return nil, fmt.Errorf("%w: dead letter %s was already reprocessed", domain.ErrConflict, deadLetter.ID)
	}

	n, err := s.notifications.GetByID(ctx, deadLetter.NotificationID)
	if err != nil {
		return nil, err
	}
	if n.Status == domain.StatusDelivered {
		return nil, fmt.Errorf("%w: notification %s is already delivered", domain.ErrConflict, n.ID)
	}

	attempts, err := s.attempts.ListByNotification(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	nextAttempt := deadLetter.Attempts + 1
	if latest, ok := domain.LatestAttempts(attempts)[deadLetter.Channel]; ok && latest.AttemptNumber >= nextAttempt {
		nextAttempt = latest.AttemptNumber + 1
	}

	if err := s.deadLetters.MarkReprocessed(ctx, deadLetter.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	if n.Status == domain.StatusFailed {
		if err := s.lifecycle.Reopen(ctx, n, "dead_letter_reprocessed"); err != nil {
			return nil, err
		}
	}

	observability.WithContextLogger(s.logger, ctx).Info("reprocessing dead letter",
		zap.String("deadLetterId", deadLetter.ID),
		zap.String("notificationId", n.ID),
		zap.String("channel", deadLetter.Channel.String()),
		zap.Int("attemptNumber", nextAttempt),
	)

	updated, _, err := s.dispatcher.Dispatch(ctx, n, nil, []Target{{
		Channel:       deadLetter.Channel,
		AttemptNumber: nextAttempt,
	}})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
