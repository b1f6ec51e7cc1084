package models

import "gorm.io/gorm"

// AllModels returns all models for migration.
// Plan must be migrated before APIKey, which references it.
func AllModels() []interface{} {
	return []interface{}{
		&Plan{},
		&APIKey{},
		&UsagePeriod{},
		&RequestLog{},
		&JobLock{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
