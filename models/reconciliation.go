package models

import (
	"context"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"gorm.io/gorm"
)

// The read side of reconciliation. Every call loads the settlement's current
// rows and computes from scratch; nothing here is cached or written.

type DuplicateReport struct {
	SettlementId         int              `json:"settlement_id"`
	StrictDates          bool             `json:"strict_dates"`
	Groups               []DuplicateGroup `json:"groups"`
	RecognitionResultIds []int            `json:"recognition_result_ids"`
}

func reconciliationSource(ctx context.Context, settlementId int) (*gorm.DB, string, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, "", &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	if err := utils.ValidateResourceId[Settlement](ctx, organizationId, EntityTypeSettlement, settlementId); err != nil {
		return nil, "", err
	}
	return config.GetDB().WithContext(ctx), organizationId, nil
}

// GetSuggestions proposes line items for the settlement's unmapped results.
// Results flagged as duplicates are still suggested, with Duplicate set.
func GetSuggestions(ctx context.Context, settlementId int, strictDates bool) ([]Suggestion, error) {
	db, organizationId, err := reconciliationSource(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	results, err := listRecognitionResults(db, organizationId, settlementId, false)
	if err != nil {
		return nil, err
	}
	items, err := listLineItems(db, organizationId, settlementId)
	if err != nil {
		return nil, err
	}
	duplicates := DetectDuplicates(results, DuplicateOptions{StrictDates: strictDates})
	return Suggest(results, items, duplicates), nil
}

func GetDuplicates(ctx context.Context, settlementId int, strictDates bool) (*DuplicateReport, error) {
	db, organizationId, err := reconciliationSource(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	results, err := listRecognitionResults(db, organizationId, settlementId, false)
	if err != nil {
		return nil, err
	}
	report := DuplicateReport{
		SettlementId:         settlementId,
		StrictDates:          strictDates,
		Groups:               DetectDuplicateGroups(results, DuplicateOptions{StrictDates: strictDates}),
		RecognitionResultIds: []int{},
	}
	for _, group := range report.Groups {
		report.RecognitionResultIds = append(report.RecognitionResultIds, group.RecognitionResultIds...)
	}
	return &report, nil
}

// GetVarianceSummary sums the settlement's line items as they are now.
func GetVarianceSummary(ctx context.Context, settlementId int) (*VarianceSummary, error) {
	db, organizationId, err := reconciliationSource(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	items, err := listLineItems(db, organizationId, settlementId)
	if err != nil {
		return nil, err
	}
	summary := SummarizeVariance(settlementId, items)
	return &summary, nil
}
