// Package ingestion consumes domain events, translates them and submits the
// resulting commands through a fixed worker pool.
package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/queue"
	"github.com/kursadbilgin/notification-engine/internal/service"
	"github.com/kursadbilgin/notification-engine/internal/translator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 10

// Result labels used for the events_ingested_total metric.
const (
	resultSubmitted   = "submitted"
	resultDuplicate   = "duplicate"
	resultRejected    = "rejected"
	resultUnknown     = "unknown"
	resultMalformed   = "malformed"
	resultControl     = "control"
	resultSystemError = "error"
)

// CommandSubmitter accepts translated commands.
type CommandSubmitter interface {
	Submit(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error)
}

// PreferenceInvalidator evicts cached preferences on control events.
type PreferenceInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Loop pulls events from a bounded queue of size workers. The source
// blocks once the queue is full, so at most workers events wait in memory
// besides those being handled.
type Loop struct {
	source      queue.EventSource
	submitter   CommandSubmitter
	invalidator PreferenceInvalidator
	workers     int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewLoop(
	source queue.EventSource,
	submitter CommandSubmitter,
	invalidator PreferenceInvalidator,
	workers int,
	logger *zap.Logger,
) (*Loop, error) {
	if source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("command submitter is required")
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loop{
		source:      source,
		submitter:   submitter,
		invalidator: invalidator,
		workers:     workers,
		logger:      logger,
	}, nil
}

func (l *Loop) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

// Start runs the consumer and the worker pool until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	deliveries := make(chan queue.Delivery, l.workers)
	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(deliveries)
		return l.source.Consume(groupCtx, deliveries)
	})

	for i := 0; i < l.workers; i++ {
		workerID := i + 1
		g.Go(func() error {
			l.logger.Info("ingestion worker started", zap.Int("workerId", workerID))
			for d := range deliveries {
				l.handle(groupCtx, d)
			}
			l.logger.Info("ingestion worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// handle settles d exactly once: ack after submit or an explicit drop,
// nack with requeue on system errors.
func (l *Loop) handle(ctx context.Context, d queue.Delivery) {
	if ctx.Err() != nil {
		l.settle(d, false, resultSystemError)
		return
	}

	env, err := translator.ParseEnvelope(d.Body)
	if err != nil {
		l.logger.Warn("dropping malformed event envelope",
			zap.String("messageId", d.MessageID),
			zap.String("routingKey", d.RoutingKey),
			zap.Error(err),
		)
		l.record("", resultMalformed)
		l.settle(d, true, resultMalformed)
		return
	}

	correlationID := d.CorrelationID
	if correlationID == "" {
		correlationID = env.EventID
	}
	ctx, _ = observability.EnsureCorrelationID(observability.WithCorrelationID(ctx, correlationID))
	logger := observability.WithContextLogger(l.logger, ctx).With(
		zap.String("eventId", env.EventID),
		zap.String("eventType", env.EventType),
	)

	result := translator.Translate(env)
	switch result.Kind {
	case translator.KindUnknown:
		logger.Info("dropping unknown event type")
		l.record(env.EventType, resultUnknown)
		l.settle(d, true, resultUnknown)

	case translator.KindMalformed:
		logger.Warn("dropping malformed event", zap.String("reason", result.Reason))
		l.record(env.EventType, resultMalformed)
		l.settle(d, true, resultMalformed)

	case translator.KindControl:
		if l.invalidator != nil {
			if err := l.invalidator.Invalidate(ctx, result.Control.UserID); err != nil {
				logger.Error("failed to apply control event", zap.Error(err))
				l.record(env.EventType, resultSystemError)
				l.settle(d, false, resultSystemError)
				return
			}
		}
		logger.Info("control event applied", zap.String("userId", result.Control.UserID))
		l.record(env.EventType, resultControl)
		l.settle(d, true, resultControl)

	case translator.KindCommand:
		cmd := *result.Command
		if cmd.CorrelationID == "" {
			cmd.CorrelationID = correlationID
		}

		outcome := l.submit(ctx, logger, cmd)
		l.record(env.EventType, outcome)
		l.settle(d, outcome != resultSystemError, outcome)
	}
}

func (l *Loop) submit(ctx context.Context, logger *zap.Logger, cmd domain.SendNotificationCommand) string {
	res, err := l.submitter.Submit(ctx, cmd)
	switch {
	case err == nil && res != nil && res.Duplicate:
		logger.Info("duplicate event suppressed", zap.String("notificationId", res.Detail.Notification.ID))
		return resultDuplicate
	case err == nil:
		if res != nil && res.Detail != nil {
			logger.Info("event submitted",
				zap.String("notificationId", res.Detail.Notification.ID),
				zap.String("status", res.Detail.Notification.Status.String()),
			)
		}
		return resultSubmitted
	case errors.Is(err, domain.ErrDuplicate):
		logger.Info("duplicate event suppressed", zap.Error(err))
		return resultDuplicate
	case errors.Is(err, domain.ErrValidation):
		logger.Warn("dropping event with invalid command", zap.Error(err))
		return resultRejected
	default:
		logger.Error("failed to submit command", zap.Error(err))
		return resultSystemError
	}
}

func (l *Loop) settle(d queue.Delivery, ack bool, outcome string) {
	var err error
	if ack {
		err = d.Ack()
	} else {
		err = d.Nack(true)
	}
	if err != nil {
		l.logger.Error("failed to settle delivery",
			zap.String("messageId", d.MessageID),
			zap.Bool("ack", ack),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
}

func (l *Loop) record(eventType string, outcome string) {
	if l.metrics != nil {
		l.metrics.IncEventIngested(eventType, outcome)
	}
}
