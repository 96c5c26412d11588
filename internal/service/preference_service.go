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

// PreferenceCache is the read-through cache in front of the preference
// store. Entries may be briefly stale; updates evict explicitly.
type PreferenceCache interface {
	Get(ctx context.Context, userID string) (*domain.UserPreferences, bool, error)
	Set(ctx context.Context, prefs *domain.UserPreferences) error
	Invalidate(ctx context.Context, userID string) error
}

type PreferenceService struct {
	preferences repository.PreferenceRepository
	cache       PreferenceCache
	logger      *zap.Logger
	now         func() time.Time
}

func NewPreferenceService(
	preferences repository.PreferenceRepository,
	cache PreferenceCache,
	logger *zap.Logger,
) (*PreferenceService, error) {
	if preferences == nil {
		return nil, fmt.Errorf("preference repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PreferenceService{
		preferences: preferences,
		cache:       cache,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Get returns the user's preferences, consulting the cache first. Cache
// failures degrade to a store read.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	logger := observability.WithContextLogger(s.logger, ctx)
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			logger.Warn("preference cache read failed",
				zap.String("userId", userID),
				zap.Error(err),
			)
		} else if ok {
			return cached, nil
		}
	}

	prefs, err := s.preferences.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, prefs); err != nil {
			logger.Warn("preference cache write failed",
				zap.String("userId", userID),
				zap.Error(err),
			)
		}
	}
	return prefs, nil
}

// Update normalizes, validates and stores preferences, then evicts the
// cached entry.
func (s *PreferenceService) Update(ctx context.Context, prefs *domain.UserPreferences) (*domain.UserPreferences, error) {
	if prefs == nil {
		return nil, fmt.Errorf("%w: preferences are required", domain.ErrValidation)
	}

	prefs.Normalize()
	if err := prefs.Validate(); err != nil {
		return nil, err
	}
	prefs.UpdatedAt = s.now().UTC()

	if err := s.preferences.Upsert(ctx, prefs); err != nil {
		return nil, fmt.Errorf("failed to store preferences: %w", err)
	}

	if err := s.Invalidate(ctx, prefs.UserID); err != nil {
		return nil, err
	}
	return prefs, nil
}

// Invalidate evicts the cached entry for userID.
func (s *PreferenceService) Invalidate(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("failed to invalidate cached preferences: %w", err)
	}
	observability.WithContextLogger(s.logger, ctx).Debug("preference cache entry evicted",
		zap.String("userId", userID),
	)
	return nil
}
