package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"github.com/kursadbilgin/notification-engine/internal/routing"
	"go.uber.org/zap"
)

const defaultDedupWindow = time.Hour

// DedupGuard claims a dedup key for a notification id within a TTL window.
type DedupGuard interface {
	Claim(ctx context.Context, key, notificationID string) (holderID string, claimed bool, err error)
	Release(ctx context.Context, key, notificationID string) error
}

// NotificationDetail is a notification with its attempt history.
type NotificationDetail struct {
	Notification domain.Notification
	Attempts     []domain.DeliveryAttempt
	Transitions  []domain.StatusTransition
}

// SubmitResult is returned by Submit. Duplicate is set when the command's
// dedup key was already claimed and Detail is the earlier notification.
// Resumed is set instead when that earlier notification was stored but
// never routed, and this call routed it.
type SubmitResult struct {
	Detail    *NotificationDetail
	Duplicate bool
	Resumed   bool
}

type NotificationService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	lifecycle     *LifecycleManager
	dispatcher    *Dispatcher
	router        *routing.Router
	preferences   PreferenceReader
	dedup         DedupGuard
	dedupWindow   time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	lifecycle *LifecycleManager,
	dispatcher *Dispatcher,
	router *routing.Router,
	preferences PreferenceReader,
	dedup DedupGuard,
	dedupWindow time.Duration,
	logger *zap.Logger,
) (*NotificationService, error) {
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
	if preferences == nil {
		return nil, fmt.Errorf("preference reader is required")
	}
	if router == nil {
		router = routing.NewRouter()
	}
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		attempts:      attempts,
		lifecycle:     lifecycle,
		dispatcher:    dispatcher,
		router:        router,
		preferences:   preferences,
		dedup:         dedup,
		dedupWindow:   dedupWindow,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit creates a notification from cmd, suppresses duplicates by dedup
// key, then routes and dispatches it unless it is scheduled for later.
func (s *NotificationService) Submit(ctx context.Context, cmd domain.SendNotificationCommand) (*SubmitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	n := cmd.ToNotification()
	n.ID = uuid.NewString()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.CorrelationID == "" {
		if id, ok := observability.CorrelationIDFromContext(ctx); ok {
			n.CorrelationID = id
		}
	}

	logger := observability.WithContextLogger(s.logger, ctx)

	claimedKey := ""
	if n.DedupKey != nil {
		existing, err := s.claimDedupKey(ctx, *n.DedupKey, n.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil && awaitingRouting(existing) {
			logger.Info("resuming notification left unrouted",
				zap.String("dedupKey", *n.DedupKey),
				zap.String("notificationId", existing.ID),
			)
			if err := s.Process(ctx, existing); err != nil {
				return nil, err
			}
			detail, err := s.GetByID(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Detail: detail, Resumed: true}, nil
		}
		if existing != nil {
			logger.Info("duplicate command suppressed",
				zap.String("dedupKey", *n.DedupKey),
				zap.String("existingId", existing.ID),
			)
			if s.metrics != nil {
				s.metrics.IncDeduplicated()
			}
			detail, err := s.detail(ctx, existing)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Detail: detail, Duplicate: true}, nil
		}
		if s.dedup != nil {
			claimedKey = *n.DedupKey
		}
	}

	if err := s.lifecycle.Create(ctx, n); err != nil {
		if claimedKey != "" {
			if releaseErr := s.dedup.Release(ctx, claimedKey, n.ID); releaseErr != nil {
				logger.Error("failed to release dedup key after create error",
					zap.String("dedupKey", claimedKey),
					zap.Error(releaseErr),
				)
			}
		}
		return nil, err
	}

	logger.Info("notification created",
		zap.String("notificationId", n.ID),
		zap.String("userId", n.UserID),
		zap.String("type", n.Type.String()),
		zap.String("urgency", n.Urgency.String()),
	)

	if n.ScheduledAt != nil && n.ScheduledAt.After(s.now()) {
		detail, err := s.detail(ctx, n)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Detail: detail}, nil
	}

	if err := s.Process(ctx, n); err != nil {
		return nil, err
	}

	detail, err := s.GetByID(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Detail: detail}, nil
}

// Process routes a pending notification and dispatches its first attempt
// on every selected channel. Quiet hours may defer it instead.
func (s *NotificationService) Process(ctx context.Context, n *domain.Notification) error {
	prefs, err := loadPreferences(ctx, s.preferences, n.UserID)
	if err != nil {
		return err
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("notificationId", n.ID))
	decision := s.router.Select(n.Type, n.Urgency, n.RequestedChannels, prefs, s.now())

	if decision.Deferred() {
		if err := s.notifications.SetScheduledAt(ctx, n.ID, decision.DeferUntil); err != nil {
			return fmt.Errorf("failed to defer notification: %w", err)
		}
		n.ScheduledAt = decision.DeferUntil
		logger.Info("notification deferred by quiet hours",
			zap.Time("deferUntil", *decision.DeferUntil),
		)
		return nil
	}

	if len(decision.Channels) == 0 {
		logger.Warn("no deliverable channel", zap.String("userId", n.UserID))
		return s.lifecycle.Fail(ctx, n, domain.ErrorKindNoDeliverableChannel)
	}

	if err := s.notifications.SetChannels(ctx, n.ID, decision.Channels); err != nil {
		return fmt.Errorf("failed to store resolved channels: %w", err)
	}
	n.Channels = decision.Channels
	if decision.QuietHours {
		logger.Info("quiet hours reduced channel set", zap.Strings("channels", channelStrings(decision.Channels)))
	}

	targets := make([]Target, 0, len(decision.Channels))
	for _, ch := range decision.Channels {
		targets = append(targets, Target{Channel: ch, AttemptNumber: 1})
	}

	_, _, err = s.dispatcher.Dispatch(ctx, n, prefs, targets)
	return err
}

// Retry re-dispatches the failed channels of a failed notification. It is
// bounded by retry_count < max_retries.
func (s *NotificationService) Retry(ctx context.Context, id string) (*NotificationDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	n, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: notification %s is %s, only failed notifications can be retried", domain.ErrConflict, n.ID, n.Status)
	}
	if !n.CanRetry() {
		return nil, fmt.Errorf("%w: notification %s used %d of %d retries", domain.ErrConflict, n.ID, n.RetryCount, n.MaxRetries)
	}

	attempts, err := s.attempts.ListByNotification(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	if err := s.lifecycle.Reopen(ctx, n, "manual_retry"); err != nil {
		return nil, err
	}
	if err := s.notifications.BumpRetryCount(ctx, n.ID, n.RetryCount+1); err != nil {
		return nil, fmt.Errorf("failed to bump retry count: %w", err)
	}
	n.RetryCount++

	// A notification that never had a channel is routed again; preferences
	// may have changed since.
	if len(n.Channels) == 0 {
		if err := s.Process(ctx, n); err != nil {
			return nil, err
		}
		return s.GetByID(ctx, n.ID)
	}

	failed := domain.FailedChannels(n, attempts)
	targets := make([]Target, 0, len(failed))
	for _, ch := range n.Channels {
		if last, ok := failed[ch]; ok {
			targets = append(targets, Target{Channel: ch, AttemptNumber: last + 1})
		}
	}

	observability.WithContextLogger(s.logger, ctx).Info("manual retry triggered",
		zap.String("notificationId", n.ID),
		zap.Int("retryCount", n.RetryCount),
		zap.Int("channels", len(targets)),
	)

	if _, _, err := s.dispatcher.Dispatch(ctx, n, nil, targets); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, n.ID)
}

// ConfirmAttempt applies a provider delivery receipt.
func (s *NotificationService) ConfirmAttempt(ctx context.Context, attemptID string) (*NotificationDetail, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return nil, fmt.Errorf("%w: attempt id is required", domain.ErrValidation)
	}

	n, err := s.lifecycle.ConfirmAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*NotificationDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	n, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) detail(ctx context.Context, n *domain.Notification) (*NotificationDetail, error) {
	attempts, err := s.attempts.ListByNotification(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	transitions, err := s.notifications.ListTransitions(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status transitions: %w", err)
	}

	return &NotificationDetail{
		Notification: *n,
		Attempts:     attempts,
		Transitions:  transitions,
	}, nil
}

// claimDedupKey returns the notification already holding key, or nil when
// this submission may proceed. Without a guard the store is consulted
// over the dedup window.
func (s *NotificationService) claimDedupKey(ctx context.Context, key, notificationID string) (*domain.Notification, error) {
	if s.dedup == nil {
		existing, err := s.notifications.FindByDedupKey(ctx, key, s.now().UTC().Add(-s.dedupWindow))
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up dedup key: %w", err)
		}
		return existing, nil
	}

	holderID, claimed, err := s.dedup.Claim(ctx, key, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	existing, err := s.notifications.GetByID(ctx, holderID)
	if errors.Is(err, domain.ErrNotFound) {
		// The holder is still being created by a concurrent submission.
		return nil, fmt.Errorf("%w: dedup key %q is held by %s", domain.ErrDuplicate, key, holderID)
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// awaitingRouting reports whether n was stored but Process never got as far
// as resolving its channels or deferring it.
func awaitingRouting(n *domain.Notification) bool {
	return n.Status == domain.StatusPending && len(n.Channels) == 0 && n.ScheduledAt == nil
}

func channelStrings(channels []domain.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.String())
	}
	return out
}
