package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"gorm.io/gorm"
)

func createUserPreferencesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000006_create_user_preferences",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.UserPreferencesModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.UserPreferencesModel{})
		},
	}
}
