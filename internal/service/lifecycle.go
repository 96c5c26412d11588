package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/queue"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"go.uber.org/zap"
)

// maxRecomputeAttempts bounds optimistic retries when concurrent channel
// outcomes race on the same notification row.
const maxRecomputeAttempts = 3

// LifecycleManager owns the notification state machine. Status is always
// derived from persisted attempts and pending retry jobs.
type LifecycleManager struct {
	notifications     repository.NotificationRepository
	attempts          repository.AttemptRepository
	retryJobs         repository.RetryJobRepository
	outcomes          queue.OutcomePublisher
	logger            *zap.Logger
	metrics           *observability.Metrics
	cancelOnDelivered bool
	now               func() time.Time
}

func NewLifecycleManager(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	retryJobs repository.RetryJobRepository,
	outcomes queue.OutcomePublisher,
	cancelOnDelivered bool,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if retryJobs == nil {
		return nil, fmt.Errorf("retry job repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LifecycleManager{
		notifications:     notifications,
		attempts:          attempts,
		retryJobs:         retryJobs,
		outcomes:          outcomes,
		logger:            logger,
		cancelOnDelivered: cancelOnDelivered,
		now:               time.Now,
	}, nil
}

func (m *LifecycleManager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Create persists a new pending notification, assigning id and
// correlation id when missing.
func (m *LifecycleManager) Create(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}

	n.Status = domain.StatusPending
	n.RetryCount = 0
	n.FailureReason = nil
	n.SentAt, n.DeliveredAt, n.FailedAt = nil, nil, nil
	now := m.now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	if err := n.Validate(); err != nil {
		return err
	}

	if err := m.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// RecordAttempt appends an immutable attempt row.
func (m *LifecycleManager) RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = m.now().UTC()
	}
	if err := m.attempts.Create(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncDeliveryAttempt(attempt.Channel.String(), attempt.Status.String())
	}
	return nil
}

// Fail terminates a pending notification without attempts, as when no
// channel is deliverable.
func (m *LifecycleManager) Fail(ctx context.Context, n *domain.Notification, kind domain.ErrorKind) error {
	reason := kind.String()
	return m.transition(ctx, n, domain.StatusFailed, reason, &reason, false)
}

// Reopen moves a failed notification back to pending for a manual retry.
func (m *LifecycleManager) Reopen(ctx context.Context, n *domain.Notification, reason string) error {
	if n.Status != domain.StatusFailed {
		return fmt.Errorf("%w: notification %s is %s, only failed notifications can be retried", domain.ErrConflict, n.ID, n.Status)
	}
	return m.transition(ctx, n, domain.StatusPending, reason, nil, true)
}

// Recompute reloads the notification, derives its status from attempts and
// active retry jobs, and persists the transition when it changed.
func (m *LifecycleManager) Recompute(ctx context.Context, notificationID string) (*domain.Notification, error) {
	var lastErr error
	for i := 0; i < maxRecomputeAttempts; i++ {
		n, err := m.notifications.GetByID(ctx, notificationID)
		if err != nil {
			return nil, err
		}

		attempts, err := m.attempts.ListByNotification(ctx, notificationID)
		if err != nil {
			return nil, fmt.Errorf("failed to list attempts: %w", err)
		}
		active, err := m.retryJobs.ActiveChannels(ctx, notificationID)
		if err != nil {
			return nil, fmt.Errorf("failed to list active retry jobs: %w", err)
		}

		next := domain.ComputeStatus(n, attempts, active)
		if next == n.Status {
			return n, nil
		}

		var failureReason *string
		if next == domain.StatusFailed {
			summary := failureSummary(n, attempts)
			failureReason = &summary
		}

		err = m.transition(ctx, n, next, transitionReason(next), failureReason, false)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("failed to recompute notification status: %w", lastErr)
}

// ConfirmAttempt applies a delivery receipt to an accepted attempt.
func (m *LifecycleManager) ConfirmAttempt(ctx context.Context, attemptID string) (*domain.Notification, error) {
	attempt, err := m.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if err := m.attempts.MarkDelivered(ctx, attempt.ID, m.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: attempt %s is %s, only sent attempts can be confirmed", domain.ErrConflict, attempt.ID, attempt.Status)
		}
		return nil, err
	}
	return m.Recompute(ctx, attempt.NotificationID)
}

func (m *LifecycleManager) transition(
	ctx context.Context,
	n *domain.Notification,
	to domain.Status,
	reason string,
	failureReason *string,
	clearStamps bool,
) error {
	from := n.Status
	if from == to {
		return nil
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition notification %s from %s to %s", domain.ErrConflict, n.ID, from, to)
	}

	at := m.now().UTC()
	err := m.notifications.Transition(ctx, repository.StatusChange{
		NotificationID: n.ID,
		From:           from,
		To:             to,
		Reason:         reason,
		At:             at,
		FailureReason:  failureReason,
		ClearStamps:    clearStamps,
	})
	if err != nil {
		return err
	}

	applyTransition(n, to, at, failureReason, clearStamps)

	logger := observability.WithContextLogger(m.logger, ctx)
	logger.Info("notification status changed",
		zap.String("notificationId", n.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
	if m.metrics != nil {
		m.metrics.IncStatusTransition(to.String())
	}

	if to == domain.StatusDelivered && m.cancelOnDelivered {
		cancelled, err := m.retryJobs.CancelPending(ctx, n.ID)
		if err != nil {
			logger.Error("failed to cancel pending retries after delivery",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		} else if cancelled > 0 {
			logger.Info("pending retries cancelled after delivery",
				zap.String("notificationId", n.ID),
				zap.Int64("cancelled", cancelled),
			)
		}
	}

	m.publishOutcome(ctx, n)
	return nil
}

func (m *LifecycleManager) publishOutcome(ctx context.Context, n *domain.Notification) {
	if m.outcomes == nil || n.Status == domain.StatusPending {
		return
	}

	event := queue.NewOutcomeEvent(n, m.now().UTC())
	if err := m.outcomes.PublishOutcome(ctx, event); err != nil {
		observability.WithContextLogger(m.logger, ctx).Warn("failed to publish outcome event",
			zap.String("notificationId", n.ID),
			zap.String("eventType", event.EventType),
			zap.Error(err),
		)
	}
}

func applyTransition(n *domain.Notification, to domain.Status, at time.Time, failureReason *string, clearStamps bool) {
	n.Status = to
	n.UpdatedAt = at
	switch to {
	case domain.StatusSent:
		if n.SentAt == nil {
			n.SentAt = &at
		}
	case domain.StatusDelivered:
		n.DeliveredAt = &at
		if n.SentAt == nil {
			n.SentAt = &at
		}
	case domain.StatusFailed:
		n.FailedAt = &at
	}
	if failureReason != nil {
		n.FailureReason = failureReason
	}
	if clearStamps {
		n.SentAt, n.DeliveredAt, n.FailedAt = nil, nil, nil
		n.FailureReason = nil
	}
}

func transitionReason(to domain.Status) string {
	switch to {
	case domain.StatusSent:
		return "attempt_dispatched"
	case domain.StatusDelivered:
		return "channel_delivered"
	case domain.StatusFailed:
		return "all_channels_failed"
	default:
		return "recomputed"
	}
}

// failureSummary lists the final failure kind per resolved channel, e.g.
// "email: retries_exhausted; sms: missing_contact_info".
func failureSummary(n *domain.Notification, attempts []domain.DeliveryAttempt) string {
	latest := domain.LatestAttempts(attempts)
	parts := make([]string, 0, len(latest))
	for _, ch := range n.Channels {
		a, ok := latest[ch]
		if !ok || a.FailureKind == nil {
			continue
		}
		kind := *a.FailureKind
		if !kind.IsValidation() && a.AttemptNumber > n.MaxRetries {
			kind = domain.ErrorKindRetriesExhausted
		}
		parts = append(parts, fmt.Sprintf("%s: %s", ch, kind))
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return domain.ErrorKindRetriesExhausted.String()
	}
	return strings.Join(parts, "; ")
}
