package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"gorm.io/gorm"
)

// Mapping links one recognition result to one settlement line item.
// The unique index on RecognitionResultId is what serializes concurrent maps.
type Mapping struct {
	ID                   int       `gorm:"primary_key" json:"id"`
	OrganizationId       string    `gorm:"size:64;index;not null" json:"organization_id"`
	RecognitionResultId  int       `gorm:"uniqueIndex;not null" json:"recognition_result_id"`
	SettlementLineItemId int       `gorm:"index;not null" json:"settlement_line_item_id"`
	MappedAt             time.Time `gorm:"not null" json:"mapped_at"`
	MappedBy             MappedBy  `gorm:"size:20;not null" json:"mapped_by"`
	ActorId              string    `gorm:"size:100;not null" json:"actor_id"`
}

type NewMapping struct {
	RecognitionResultId  int `json:"recognition_result_id" validate:"required"`
	SettlementLineItemId int `json:"settlement_line_item_id" validate:"required"`
}

// SuggestionDecision is a suggestion as the operator saw it when accepting or rejecting.
type SuggestionDecision struct {
	RecognitionResultId int     `json:"recognition_result_id" validate:"required"`
	ItemId              int     `json:"item_id" validate:"required"`
	Score               float64 `json:"score" validate:"gte=0,lte=1"`
	Reason              string  `json:"reason" validate:"max=500"`
}

type mappingSnapshot struct {
	Mapping    *Mapping            `json:"mapping"`
	Suggestion *SuggestionDecision `json:"suggestion,omitempty"`
}

// MapRecognitionResult assigns a result to a line item by hand.
func MapRecognitionResult(ctx context.Context, input *NewMapping) (*Mapping, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	return createMapping(ctx, input.RecognitionResultId, input.SettlementLineItemId, MappedByManual, nil)
}

// AcceptSuggestion maps the suggested pair with mappedBy=suggestion.
func AcceptSuggestion(ctx context.Context, input *SuggestionDecision) (*Mapping, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	return createMapping(ctx, input.RecognitionResultId, input.ItemId, MappedBySuggestion, input)
}

func createMapping(ctx context.Context, resultId int, itemId int, mappedBy MappedBy, suggestion *SuggestionDecision) (*Mapping, error) {
	organizationId, actorId, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}

	result, err := utils.FetchModel[RecognitionResult](ctx, organizationId, EntityTypeRecognitionResult, resultId)
	if err != nil {
		return nil, err
	}
	if result.Status != RecognitionStatusCompleted {
		return nil, utils.NewConflict(EntityTypeMapping, resultId, "map", fmt.Sprintf("result is %s; only completed results can be mapped", result.Status))
	}
	if !result.IsCurrent() {
		return nil, utils.NewConflict(EntityTypeMapping, resultId, "map", fmt.Sprintf("result was superseded by #%d", *result.SupersededById))
	}
	item, err := utils.FetchModel[SettlementLineItem](ctx, organizationId, EntityTypeLineItem, itemId)
	if err != nil {
		return nil, err
	}
	if item.SettlementId != result.SettlementId {
		return nil, &utils.ValidationError{
			Field:   "settlement_line_item_id",
			Message: fmt.Sprintf("line item #%d and result #%d belong to different settlements", itemId, resultId),
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if _, err := lockSettlementForChange(tx, organizationId, item.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}

	var existing Mapping
	err = tx.Where("recognition_result_id = ?", resultId).First(&existing).Error
	if err == nil {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeMapping, resultId, "map",
			fmt.Sprintf("result is already mapped to line item #%d; unmap it first", existing.SettlementLineItemId))
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}

	mapping := Mapping{
		OrganizationId:       organizationId,
		RecognitionResultId:  resultId,
		SettlementLineItemId: itemId,
		MappedAt:             time.Now().UTC(),
		MappedBy:             mappedBy,
		ActorId:              actorId,
	}
	if err := tx.Create(&mapping).Error; err != nil {
		tx.Rollback()
		// lost the race against a concurrent map of the same result
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewConflict(EntityTypeMapping, resultId, "map", "result was mapped concurrently; reload and retry")
		}
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeMapping,
		EntityId:    resultId,
		Action:      AuditActionMap,
		After:       mappingSnapshot{Mapping: &mapping, Suggestion: suggestion},
		Description: fmt.Sprintf("Receipt %s mapped to line item #%d (%s)", result.SourceReceiptId, itemId, mappedBy),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &mapping, nil
}

// UnmapRecognitionResult removes the result's mapping. Unmapping an unmapped
// result is a NotFoundError, never a silent success.
func UnmapRecognitionResult(ctx context.Context, resultId int) (*Mapping, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	var mapping Mapping
	err = tx.Where("organization_id = ? AND recognition_result_id = ?", organizationId, resultId).First(&mapping).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFound(EntityTypeMapping, resultId, "unmap")
		}
		return nil, err
	}
	item, err := utils.FetchModelTx[SettlementLineItem](tx, organizationId, EntityTypeLineItem, mapping.SettlementLineItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := lockSettlementForChange(tx, organizationId, item.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	res := tx.Delete(&Mapping{}, mapping.ID)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewNotFound(EntityTypeMapping, resultId, "unmap")
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeMapping,
		EntityId:    resultId,
		Action:      AuditActionUnmap,
		Before:      mappingSnapshot{Mapping: &mapping},
		Description: fmt.Sprintf("Result #%d unmapped from line item #%d", resultId, mapping.SettlementLineItemId),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &mapping, nil
}

// RejectSuggestion records the operator's decision; no mapping is created and
// the pair is not suppressed from later suggestion runs.
func RejectSuggestion(ctx context.Context, input *SuggestionDecision) (*AuditEntry, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[RecognitionResult](ctx, organizationId, EntityTypeRecognitionResult, input.RecognitionResultId); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[SettlementLineItem](ctx, organizationId, EntityTypeLineItem, input.ItemId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	entry, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeSuggestion,
		EntityId:    input.RecognitionResultId,
		Action:      AuditActionReject,
		After:       input,
		Description: fmt.Sprintf("Suggestion of line item #%d for result #%d rejected", input.ItemId, input.RecognitionResultId),
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// ListMappings returns the mappings of all line items of a settlement.
func ListMappings(ctx context.Context, settlementId int) ([]*Mapping, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	if err := utils.ValidateResourceId[Settlement](ctx, organizationId, EntityTypeSettlement, settlementId); err != nil {
		return nil, err
	}

	db := config.GetDB().WithContext(ctx)
	itemIds := db.Model(&SettlementLineItem{}).Select("id").Where("organization_id = ? AND settlement_id = ?", organizationId, settlementId)
	var results []*Mapping
	err := db.Where("organization_id = ? AND settlement_line_item_id IN (?)", organizationId, itemIds).
		Order("id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
