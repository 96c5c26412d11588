package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"gorm.io/gorm"
)

func createStatusTransitionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_status_transitions",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.StatusTransitionModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_transitions_notification_id ON status_transitions (notification_id, created_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.StatusTransitionModel{})
		},
	}
}
