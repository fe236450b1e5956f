package models

import (
	"bitbucket.org/mmdatafocus/settlement_backend/config"
)

func MigrateTable() error {
	db := config.GetDB()

	return db.AutoMigrate(
		&Settlement{}, &SettlementLineItem{},
		&RecognitionResult{}, &Mapping{},
		&AuditEntry{}, &ReconciliationReport{},
	)
}
