package database

import (
	"x-ui-provisioner/internal/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Panel{},
		&model.Location{},
		&model.Inbound{},
		&model.Plan{},
		&model.User{},
		&model.ClientAccount{},
		&model.RemarkSequence{},
		&model.Setting{},
	)
}
