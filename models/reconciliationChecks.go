package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunDriftChecks compares what is stored for a settlement with what a fresh
// computation gives and writes one reconciliation_reports row per mismatch.
// Nothing is repaired here.
func RunDriftChecks(ctx context.Context, settlementId int, today time.Time) ([]*ReconciliationReport, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	db := config.GetDB().WithContext(ctx)

	var settlement Settlement
	if err := db.Where("organization_id = ?", organizationId).First(&settlement, settlementId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFound(EntityTypeSettlement, settlementId, "check drift")
		}
		return nil, err
	}
	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}

	var reports []*ReconciliationReport
	add := func(checkType string, entityType string, entityId int, details string) {
		reports = append(reports, &ReconciliationReport{
			OrganizationId: organizationId,
			SettlementId:   settlementId,
			CheckType:      checkType,
			EntityType:     entityType,
			EntityId:       entityId,
			Details:        details,
			CorrelationId:  cid,
		})
	}

	// 1) stored derived fields vs a recompute
	items, err := listLineItems(db, organizationId, settlementId)
	if err != nil {
		return nil, err
	}
	itemIds := make(map[int]bool, len(items))
	for _, current := range items {
		itemIds[current.ID] = true
		expected := *current
		expected.Recompute(today)
		if derivedFieldsDiffer(current, &expected) {
			add(DriftCheckLineItemDerived, EntityTypeLineItem, current.ID,
				fmt.Sprintf("variance_amount=%s expected %s", current.VarianceAmount, expected.VarianceAmount))
		}
	}

	// 2) stored settlement totals vs sum(line items)
	summary := SummarizeVariance(settlementId, items)
	totals := []struct {
		name     string
		stored   decimal.Decimal
		expected decimal.Decimal
	}{
		{"total_planned_amount", settlement.TotalPlannedAmount, summary.TotalPlannedAmount},
		{"total_actual_amount", settlement.TotalActualAmount, summary.TotalActualAmount},
		{"total_variance_amount", settlement.TotalVarianceAmount, summary.TotalVarianceAmount},
		{"total_income_amount", settlement.TotalIncomeAmount, summary.Income.ActualAmount},
		{"total_expense_amount", settlement.TotalExpenseAmount, summary.Expense.ActualAmount},
		{"net_amount", settlement.NetAmount, summary.NetAmount},
	}
	for _, t := range totals {
		if !t.stored.Equal(t.expected) {
			add(DriftCheckSettlementTotals, EntityTypeSettlement, settlementId,
				fmt.Sprintf("%s=%s != sum(line items)=%s", t.name, t.stored, t.expected))
		}
	}

	// 3) mappings must point at a current result of this settlement
	results, err := listRecognitionResults(db, organizationId, settlementId, true)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Mapping == nil {
			continue
		}
		if !r.IsCurrent() {
			add(DriftCheckMappingTarget, EntityTypeMapping, r.Mapping.ID,
				fmt.Sprintf("recognition result %d is superseded but still mapped", r.ID))
		}
		if !itemIds[r.Mapping.SettlementLineItemId] {
			add(DriftCheckMappingTarget, EntityTypeMapping, r.Mapping.ID,
				fmt.Sprintf("line item %d is not part of settlement %d", r.Mapping.SettlementLineItemId, settlementId))
		}
	}

	if len(reports) > 0 {
		if err := db.Create(&reports).Error; err != nil {
			return nil, err
		}
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":           "DriftChecks",
		"organization_id": organizationId,
		"settlement_id":   settlementId,
		"correlation_id":  cid,
		"items_checked":   len(items),
		"mismatches":      len(reports),
	}).Info("drift checks completed")
	return reports, nil
}
