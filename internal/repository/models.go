package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/notification-engine/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                string                  `gorm:"type:uuid;primaryKey"`
	UserID            string                  `gorm:"type:varchar(64);not null;index"`
	Type              domain.NotificationType `gorm:"type:varchar(32);not null"`
	Urgency           domain.Urgency          `gorm:"type:varchar(16);not null"`
	Title             string                  `gorm:"type:varchar(255);not null"`
	Body              string                  `gorm:"type:text;not null"`
	RequestedChannels datatypes.JSON          `gorm:"type:jsonb"`
	Channels          datatypes.JSON          `gorm:"type:jsonb"`
	Metadata          datatypes.JSON          `gorm:"type:jsonb"`
	DedupKey          *string                 `gorm:"type:varchar(255);index"`
	CorrelationID     string                  `gorm:"type:varchar(64);not null"`
	SourceEventID     *string                 `gorm:"type:varchar(128)"`
	Status            domain.Status           `gorm:"type:varchar(20);not null"`
	FailureReason     *string                 `gorm:"type:varchar(64)"`
	ScheduledAt       *time.Time              `gorm:"type:timestamptz"`
	SentAt            *time.Time              `gorm:"type:timestamptz"`
	DeliveredAt       *time.Time              `gorm:"type:timestamptz"`
	FailedAt          *time.Time              `gorm:"type:timestamptz"`
	RetryCount        int                     `gorm:"not null;default:0"`
	MaxRetries        int                     `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string               `gorm:"type:uuid;primaryKey"`
	NotificationID string               `gorm:"type:uuid;not null"`
	Channel        domain.Channel       `gorm:"type:varchar(10);not null"`
	AttemptNumber  int                  `gorm:"not null"`
	Status         domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	AttemptedAt    time.Time            `gorm:"type:timestamptz;not null"`
	DeliveredAt    *time.Time           `gorm:"type:timestamptz"`
	ProviderRef    *string              `gorm:"type:varchar(255)"`
	FailureKind    *string              `gorm:"type:varchar(32)"`
	FailureReason  *string              `gorm:"type:text"`
	StatusCode     *int                 `gorm:"type:int"`
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// StatusTransitionModel is the audit trail of notification status changes.
type StatusTransitionModel struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	NotificationID string        `gorm:"type:uuid;not null"`
	FromStatus     domain.Status `gorm:"type:varchar(20);not null"`
	ToStatus       domain.Status `gorm:"type:varchar(20);not null"`
	Reason         string        `gorm:"type:varchar(255)"`
	CreatedAt      time.Time
}

func (StatusTransitionModel) TableName() string {
	return "status_transitions"
}

// RetryJobModel is the durable retry queue.
type RetryJobModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	NotificationID string                `gorm:"type:uuid;not null"`
	Channel        domain.Channel        `gorm:"type:varchar(10);not null"`
	AttemptNumber  int                   `gorm:"not null"`
	NextAttemptAt  time.Time             `gorm:"type:timestamptz;not null"`
	Status         domain.RetryJobStatus `gorm:"type:varchar(20);not null"`
	LastError      *string               `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RetryJobModel) TableName() string {
	return "retry_jobs"
}

// DeadLetterModel stores channel deliveries that exhausted their retries.
type DeadLetterModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	NotificationID string           `gorm:"type:uuid;not null"`
	Channel        domain.Channel   `gorm:"type:varchar(10);not null"`
	Attempts       int              `gorm:"not null"`
	FailureKind    domain.ErrorKind `gorm:"type:varchar(32);not null"`
	FailureReason  string           `gorm:"type:text"`
	CreatedAt      time.Time
	ReprocessedAt  *time.Time `gorm:"type:timestamptz"`
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

// UserPreferencesModel is the local copy of user preferences.
type UserPreferencesModel struct {
	UserID         string         `gorm:"type:varchar(64);primaryKey"`
	Enabled        bool           `gorm:"not null"`
	Email          *string        `gorm:"type:varchar(255)"`
	Phone          *string        `gorm:"type:varchar(32)"`
	ChatHandle     *string        `gorm:"type:varchar(128)"`
	Timezone       string         `gorm:"type:varchar(64)"`
	ChannelToggles datatypes.JSON `gorm:"type:jsonb"`
	TypeOverrides  datatypes.JSON `gorm:"type:jsonb"`
	QuietEnabled   bool           `gorm:"not null"`
	QuietStartHour int            `gorm:"not null;default:0"`
	QuietEndHour   int            `gorm:"not null;default:0"`
	QuietTimezone  string         `gorm:"type:varchar(64)"`
	UpdatedAt      time.Time
}

func (UserPreferencesModel) TableName() string {
	return "user_preferences"
}

func toJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func fromJSON(raw datatypes.JSON, dst any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                n.ID,
		UserID:            n.UserID,
		Type:              n.Type,
		Urgency:           n.Urgency,
		Title:             n.Title,
		Body:              n.Body,
		RequestedChannels: toJSON(nonNilChannels(n.RequestedChannels)),
		Channels:          toJSON(nonNilChannels(n.Channels)),
		Metadata:          toJSON(n.Metadata),
		DedupKey:          n.DedupKey,
		CorrelationID:     n.CorrelationID,
		SourceEventID:     n.SourceEventID,
		Status:            n.Status,
		FailureReason:     n.FailureReason,
		ScheduledAt:       n.ScheduledAt,
		SentAt:            n.SentAt,
		DeliveredAt:       n.DeliveredAt,
		FailedAt:          n.FailedAt,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	n := &domain.Notification{
		ID:            m.ID,
		UserID:        m.UserID,
		Type:          m.Type,
		Urgency:       m.Urgency,
		Title:         m.Title,
		Body:          m.Body,
		DedupKey:      m.DedupKey,
		CorrelationID: m.CorrelationID,
		SourceEventID: m.SourceEventID,
		Status:        m.Status,
		FailureReason: m.FailureReason,
		ScheduledAt:   m.ScheduledAt,
		SentAt:        m.SentAt,
		DeliveredAt:   m.DeliveredAt,
		FailedAt:      m.FailedAt,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	fromJSON(m.RequestedChannels, &n.RequestedChannels)
	fromJSON(m.Channels, &n.Channels)
	fromJSON(m.Metadata, &n.Metadata)
	return n
}

func nonNilChannels(channels []domain.Channel) []domain.Channel {
	if channels == nil {
		return []domain.Channel{}
	}
	return channels
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	var kind *string
	if a.FailureKind != nil {
		v := a.FailureKind.String()
		kind = &v
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		Channel:        a.Channel,
		AttemptNumber:  a.AttemptNumber,
		Status:         a.Status,
		AttemptedAt:    a.AttemptedAt,
		DeliveredAt:    a.DeliveredAt,
		ProviderRef:    a.ProviderRef,
		FailureKind:    kind,
		FailureReason:  a.FailureReason,
		StatusCode:     a.StatusCode,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	var kind *domain.ErrorKind
	if m.FailureKind != nil {
		v := domain.ErrorKind(*m.FailureKind)
		kind = &v
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Channel:        m.Channel,
		AttemptNumber:  m.AttemptNumber,
		Status:         m.Status,
		AttemptedAt:    m.AttemptedAt,
		DeliveredAt:    m.DeliveredAt,
		ProviderRef:    m.ProviderRef,
		FailureKind:    kind,
		FailureReason:  m.FailureReason,
		StatusCode:     m.StatusCode,
	}
}

func transitionModelToDomain(m *StatusTransitionModel) *domain.StatusTransition {
	if m == nil {
		return nil
	}

	return &domain.StatusTransition{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		From:           m.FromStatus,
		To:             m.ToStatus,
		Reason:         m.Reason,
		CreatedAt:      m.CreatedAt,
	}
}

func retryJobModelFromDomain(j *domain.RetryJob) *RetryJobModel {
	if j == nil {
		return nil
	}

	return &RetryJobModel{
		ID:             j.ID,
		NotificationID: j.NotificationID,
		Channel:        j.Channel,
		AttemptNumber:  j.AttemptNumber,
		NextAttemptAt:  j.NextAttemptAt,
		Status:         j.Status,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func retryJobModelToDomain(m *RetryJobModel) *domain.RetryJob {
	if m == nil {
		return nil
	}

	return &domain.RetryJob{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Channel:        m.Channel,
		AttemptNumber:  m.AttemptNumber,
		NextAttemptAt:  m.NextAttemptAt,
		Status:         m.Status,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deadLetterModelFromDomain(d *domain.DeadLetter) *DeadLetterModel {
	if d == nil {
		return nil
	}

	return &DeadLetterModel{
		ID:             d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Attempts:       d.Attempts,
		FailureKind:    d.FailureKind,
		FailureReason:  d.FailureReason,
		CreatedAt:      d.CreatedAt,
		ReprocessedAt:  d.ReprocessedAt,
	}
}

func deadLetterModelToDomain(m *DeadLetterModel) *domain.DeadLetter {
	if m == nil {
		return nil
	}

	return &domain.DeadLetter{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Channel:        m.Channel,
		Attempts:       m.Attempts,
		FailureKind:    m.FailureKind,
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt,
		ReprocessedAt:  m.ReprocessedAt,
	}
}

func preferencesModelFromDomain(p *domain.UserPreferences) *UserPreferencesModel {
	if p == nil {
		return nil
	}

	return &UserPreferencesModel{
		UserID:         p.UserID,
		Enabled:        p.Enabled,
		Email:          p.Email,
		Phone:          p.Phone,
		ChatHandle:     p.ChatHandle,
		Timezone:       p.Timezone,
		ChannelToggles: toJSON(p.ChannelToggles),
		TypeOverrides:  toJSON(p.TypeOverrides),
		QuietEnabled:   p.QuietHours.Enabled,
		QuietStartHour: p.QuietHours.StartHour,
		QuietEndHour:   p.QuietHours.EndHour,
		QuietTimezone:  p.QuietHours.Timezone,
		UpdatedAt:      p.UpdatedAt,
	}
}

func preferencesModelToDomain(m *UserPreferencesModel) *domain.UserPreferences {
	if m == nil {
		return nil
	}

	p := &domain.UserPreferences{
		UserID:     m.UserID,
		Enabled:    m.Enabled,
		Email:      m.Email,
		Phone:      m.Phone,
		ChatHandle: m.ChatHandle,
		Timezone:   m.Timezone,
		QuietHours: domain.QuietHours{
			Enabled:   m.QuietEnabled,
			StartHour: m.QuietStartHour,
			EndHour:   m.QuietEndHour,
			Timezone:  m.QuietTimezone,
		},
		UpdatedAt: m.UpdatedAt,
	}
	fromJSON(m.ChannelToggles, &p.ChannelToggles)
	fromJSON(m.TypeOverrides, &p.TypeOverrides)
	return p
}
