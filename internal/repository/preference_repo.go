package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreferenceRepository interface {
	Get(ctx context.Context, userID string) (*domain.UserPreferences, error)
	Upsert(ctx context.Context, prefs *domain.UserPreferences) error
}

type GormPreferenceRepo struct {
	db *gorm.DB
}

func NewGormPreferenceRepo(db *gorm.DB) *GormPreferenceRepo {
	return &GormPreferenceRepo{db: db}
}

func (r *GormPreferenceRepo) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	var model UserPreferencesModel
	err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return preferencesModelToDomain(&model), nil
}

func (r *GormPreferenceRepo) Upsert(ctx context.Context, prefs *domain.UserPreferences) error {
	model := preferencesModelFromDomain(prefs)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return err
	}
	if prefs != nil {
		*prefs = *preferencesModelToDomain(model)
	}
	return nil
}
