package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by this service, in creation order.
func AllModels() []interface{} {
	return []interface{}{
		&Business{}, &User{},
		&PosOrder{}, &PosLineItem{}, &PosPayment{},
		&SaleRow{}, &DailySalesSummary{}, &CategoryRule{},
		&IntegrationConnection{}, &IntegrationSyncRun{}, &IntegrationEntityMapping{}, &IntegrationSyncError{},
		&IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
