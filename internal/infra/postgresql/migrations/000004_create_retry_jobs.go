package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"gorm.io/gorm"
)

func createRetryJobsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_retry_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RetryJobModel{}); err != nil {
				return err
			}
			return execAll(tx,
				`CREATE INDEX IF NOT EXISTS idx_retry_jobs_due ON retry_jobs (next_attempt_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_retry_jobs_notification ON retry_jobs (notification_id, status)`,
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RetryJobModel{})
		},
	}
}
