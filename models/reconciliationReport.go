package models

import "time"

const (
	DriftCheckSettlementTotals = "SETTLEMENT_TOTALS"
	DriftCheckLineItemDerived  = "LINE_ITEM_DERIVED"
	DriftCheckMappingTarget    = "MAPPING_TARGET"
)

// Drift detection output (nightly/admin-triggered). Rows are only ever added;
// repairs go through RecomputeSettlement.
type ReconciliationReport struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;index;not null" json:"organization_id"`
	SettlementId   int       `gorm:"index;not null" json:"settlement_id"`
	CheckType      string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. SETTLEMENT_TOTALS
	EntityType     string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. settlement_line_item
	EntityId       int       `gorm:"index;not null" json:"entity_id"`
	Details        string    `gorm:"type:text" json:"details"`
	CorrelationId  string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
