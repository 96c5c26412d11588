package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"gorm.io/gorm"
)

func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			return execAll(tx,
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_type_created ON notifications (status, type, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_dedup_created ON notifications (dedup_key, created_at) WHERE dedup_key IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_scheduled ON notifications (scheduled_at) WHERE status = 'pending' AND scheduled_at IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_correlation_id ON notifications (correlation_id)`,
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
