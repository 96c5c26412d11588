package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"gorm.io/gorm"
)

type DeadLetterListParams struct {
	Channel            *domain.Channel
	IncludeReprocessed bool
	Page               int
	PageSize           int
}

type DeadLetterRepository interface {
	Create(ctx context.Context, d *domain.DeadLetter) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetter, error)
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetter, int64, error)
	MarkReprocessed(ctx context.Context, id string, at time.Time) error
}

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

func (r *GormDeadLetterRepo) Create(ctx context.Context, d *domain.DeadLetter) error {
	model := deadLetterModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if d != nil {
		*d = *deadLetterModelToDomain(model)
	}
	return nil
}

func (r *GormDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model), nil
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetter, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if !params.IncludeReprocessed {
		query = query.Where("reprocessed_at IS NULL")
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

	var models []DeadLetterModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	letters := make([]domain.DeadLetter, 0, len(models))
	for i := range models {
		letters = append(letters, *deadLetterModelToDomain(&models[i]))
	}
	return letters, total, nil
}

// MarkReprocessed stamps a dead letter once; a second call conflicts.
func (r *GormDeadLetterRepo) MarkReprocessed(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&DeadLetterModel{}).
		Where("id = ? AND reprocessed_at IS NULL", id).
		Update("reprocessed_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}
