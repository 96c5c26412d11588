package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.Status
	Type     *domain.NotificationType
	UserID   *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// StatusChange is an optimistic status transition. It only applies while
// the stored status still equals From.
type StatusChange struct {
	NotificationID string
	From           domain.Status
	To             domain.Status
	Reason         string
	At             time.Time
	FailureReason  *string
	// ClearStamps resets sent/delivered/failed stamps, used by manual retry.
	ClearStamps bool
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	FindByDedupKey(ctx context.Context, key string, since time.Time) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	SetChannels(ctx context.Context, id string, channels []domain.Channel) error
	SetScheduledAt(ctx context.Context, id string, at *time.Time) error
	Transition(ctx context.Context, change StatusChange) error
	BumpRetryCount(ctx context.Context, id string, retryCount int) error
	ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	ListTransitions(ctx context.Context, notificationID string) ([]domain.StatusTransition, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

// FindByDedupKey returns the oldest notification carrying key created at or
// after since.
func (r *GormNotificationRepo) FindByDedupKey(ctx context.Context, key string, since time.Time) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("dedup_key = ? AND created_at >= ?", key, since).
		Order("created_at ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Type != nil {
		query = query.Where("type = ?", *params.Type)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

func (r *GormNotificationRepo) SetChannels(ctx context.Context, id string, channels []domain.Channel) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("channels", toJSON(nonNilChannels(channels)))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormNotificationRepo) SetScheduledAt(ctx context.Context, id string, at *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("scheduled_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Transition updates the status and writes the audit row in one
// transaction. A lost race returns domain.ErrConflict.
func (r *GormNotificationRepo) Transition(ctx context.Context, change StatusChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     change.To,
			"updated_at": change.At,
		}
		switch change.To {
		case domain.StatusSent:
			updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", change.At)
		case domain.StatusDelivered:
			updates["delivered_at"] = change.At
			updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", change.At)
		case domain.StatusFailed:
			updates["failed_at"] = change.At
		}
		if change.FailureReason != nil {
			updates["failure_reason"] = *change.FailureReason
		}
		if change.ClearStamps {
			updates["sent_at"] = nil
			updates["delivered_at"] = nil
			updates["failed_at"] = nil
			updates["failure_reason"] = nil
		}

		result := tx.Model(&NotificationModel{}).
			Where("id = ? AND status = ?", change.NotificationID, change.From).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&NotificationModel{}).Where("id = ?", change.NotificationID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}

		return tx.Create(&StatusTransitionModel{
			ID:             uuid.NewString(),
			NotificationID: change.NotificationID,
			FromStatus:     change.From,
			ToStatus:       change.To,
			Reason:         change.Reason,
			CreatedAt:      change.At,
		}).Error
	})
}

// BumpRetryCount raises retry_count to at least retryCount, capped at
// max_retries.
func (r *GormNotificationRepo) BumpRetryCount(ctx context.Context, id string, retryCount int) error {
	return r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("LEAST(GREATEST(retry_count, ?), max_retries)", retryCount)).Error
}

// ClaimDueScheduled locks due pending notifications, clears their
// scheduled_at and returns them. Concurrent claimers skip locked rows.
func (r *GormNotificationRepo) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.StatusPending, now).
			Order("scheduled_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}

		ids := make([]string, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
			models[i].ScheduledAt = nil
		}
		return tx.Model(&NotificationModel{}).
			Where("id IN ?", ids).
			Update("scheduled_at", nil).Error
	})
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications, nil
}

func (r *GormNotificationRepo) ListTransitions(ctx context.Context, notificationID string) ([]domain.StatusTransition, error) {
	var models []StatusTransitionModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	transitions := make([]domain.StatusTransition, 0, len(models))
	for i := range models {
		transitions = append(transitions, *transitionModelToDomain(&models[i]))
	}
	return transitions, nil
}
