package models

import (
	"bitbucket.org/mmdatafocus/resto_analytics/config"
	"gorm.io/gorm"
)

// MigrateTable migrates every table this service owns.
func MigrateTable() error {
	return MigrateTablesOn(config.GetDB())
}

// MigrateTablesOn migrates against an explicit handle (tests use sqlite).
func MigrateTablesOn(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{},
		&ImportJob{},
		&Transaction{},
		&HourlySummary{},
		&BranchSummary{},
		&ItemPair{},
		&ExcludedItem{},
	)
}
