package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RetryJobRepository interface {
	Create(ctx context.Context, job *domain.RetryJob) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryJob, error)
	Finish(ctx context.Context, id string, status domain.RetryJobStatus, lastError *string) error
	CancelPending(ctx context.Context, notificationID string) (int64, error)
	ActiveChannels(ctx context.Context, notificationID string) (map[domain.Channel]bool, error)
}

type GormRetryJobRepo struct {
	db *gorm.DB
}

func NewGormRetryJobRepo(db *gorm.DB) *GormRetryJobRepo {
	return &GormRetryJobRepo{db: db}
}

func (r *GormRetryJobRepo) Create(ctx context.Context, job *domain.RetryJob) error {
	model := retryJobModelFromDomain(job)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if job != nil {
		*job = *retryJobModelToDomain(model)
	}
	return nil
}

// ClaimDue marks up to limit due jobs as running and returns them. Rows
// locked by another scanner are skipped.
func (r *GormRetryJobRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryJob, error) {
	var models []RetryJobModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", domain.RetryJobPending, now).
			Order("next_attempt_at ASC").
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
			models[i].Status = domain.RetryJobRunning
			models[i].UpdatedAt = now
		}
		return tx.Model(&RetryJobModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": domain.RetryJobRunning, "updated_at": now}).Error
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.RetryJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *retryJobModelToDomain(&models[i]))
	}
	return jobs, nil
}

func (r *GormRetryJobRepo) Finish(ctx context.Context, id string, status domain.RetryJobStatus, lastError *string) error {
	result := r.db.WithContext(ctx).
		Model(&RetryJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CancelPending cancels jobs that have not started yet.
func (r *GormRetryJobRepo) CancelPending(ctx context.Context, notificationID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RetryJobModel{}).
		Where("notification_id = ? AND status = ?", notificationID, domain.RetryJobPending).
		Updates(map[string]any{
			"status":     domain.RetryJobCancelled,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// ActiveChannels returns the channels with a pending or running job.
func (r *GormRetryJobRepo) ActiveChannels(ctx context.Context, notificationID string) (map[domain.Channel]bool, error) {
	var channels []domain.Channel
	err := r.db.WithContext(ctx).
		Model(&RetryJobModel{}).
		Where("notification_id = ? AND status IN ?", notificationID,
			[]domain.RetryJobStatus{domain.RetryJobPending, domain.RetryJobRunning}).
		Distinct().
		Pluck("channel", &channels).Error
	if err != nil {
		return nil, err
	}

	active := make(map[domain.Channel]bool, len(channels))
	for _, ch := range channels {
		active[ch] = true
	}
	return active, nil
}
