package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecognitionLineItem is one extracted row of a receipt.
type RecognitionLineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Confidence  decimal.Decimal  `json:"confidence" validate:"gte=0,lte=1"`
}

// RecognitionResult is one snapshot of a scanned receipt's extracted fields.
// A correction inserts a new revision and points the old one at it.
type RecognitionResult struct {
	ID                int               `gorm:"primary_key" json:"id"`
	OrganizationId    string            `gorm:"size:64;not null;uniqueIndex:idx_recognition_source" json:"organization_id"`
	SettlementId      int               `gorm:"index;not null" json:"settlement_id"`
	SourceReceiptId   string            `gorm:"size:100;not null;uniqueIndex:idx_recognition_source" json:"source_receipt_id"`
	Revision          int               `gorm:"not null;uniqueIndex:idx_recognition_source" json:"revision"`
	SupersededById    *int              `gorm:"index" json:"superseded_by_id"`
	Status            RecognitionStatus `gorm:"size:20;not null;index" json:"status"`
	MerchantName      *string           `gorm:"size:255" json:"merchant_name"`
	TransactionDate   *time.Time        `json:"transaction_date"`
	TotalAmount       *decimal.Decimal  `gorm:"type:decimal(20,4)" json:"total_amount"`
	LineItems         datatypes.JSON    `json:"line_items"`
	OverallConfidence *decimal.Decimal  `gorm:"type:decimal(5,4)" json:"overall_confidence"`
	RawText           *string           `gorm:"type:text" json:"raw_text"`
	FailureReason     *string           `gorm:"type:text" json:"failure_reason"`
	ReceiptObjectKey  *string           `gorm:"size:512" json:"receipt_object_key"`
	Mapping           *Mapping          `gorm:"foreignKey:RecognitionResultId" json:"mapping,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRecognitionResult struct {
	SettlementId      int                   `json:"settlement_id" validate:"required"`
	SourceReceiptId   string                `json:"source_receipt_id" validate:"required,max=100"`
	Status            RecognitionStatus     `json:"status" validate:"required,oneof=pending processing completed failed"`
	MerchantName      *string               `json:"merchant_name" validate:"omitempty,max=255"`
	TransactionDate   *time.Time            `json:"transaction_date"`
	TotalAmount       *decimal.Decimal      `json:"total_amount" validate:"omitempty,gte=0"`
	LineItems         []RecognitionLineItem `json:"line_items" validate:"dive"`
	OverallConfidence *decimal.Decimal      `json:"overall_confidence" validate:"omitempty,gte=0,lte=1"`
	RawText           *string               `json:"raw_text"`
	FailureReason     *string               `json:"failure_reason"`
	ReceiptObjectKey  *string               `json:"receipt_object_key" validate:"omitempty,max=512"`
}

// RecognitionCorrection carries operator-edited values for a completed result.
type RecognitionCorrection struct {
	MerchantName    *string               `json:"merchant_name" validate:"omitempty,max=255"`
	TransactionDate *time.Time            `json:"transaction_date"`
	TotalAmount     *decimal.Decimal      `json:"total_amount" validate:"required,gte=0"`
	LineItems       []RecognitionLineItem `json:"line_items" validate:"dive"`
	Reason          string                `json:"reason" validate:"max=500"`
}

func (r RecognitionResult) IsCurrent() bool {
	return r.SupersededById == nil
}

func (r RecognitionResult) Merchant() string {
	if r.MerchantName == nil {
		return ""
	}
	return *r.MerchantName
}

func (r *RecognitionResult) DecodeLineItems() ([]RecognitionLineItem, error) {
	if len(r.LineItems) == 0 {
		return nil, nil
	}
	var items []RecognitionLineItem
	if err := json.Unmarshal(r.LineItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func encodeLineItems(items []RecognitionLineItem) (datatypes.JSON, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return utils.Snapshot(items)
}

func (input *NewRecognitionResult) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	input.SourceReceiptId = strings.TrimSpace(input.SourceReceiptId)
	if input.SourceReceiptId == "" {
		return &utils.ValidationError{Field: "source_receipt_id", Message: "is required"}
	}
	if input.Status == RecognitionStatusCompleted && input.TotalAmount == nil {
		return &utils.ValidationError{Field: "total_amount", Message: "is required when status is completed"}
	}
	return nil
}

func (input *NewRecognitionResult) applyTo(r *RecognitionResult) error {
	lineItems, err := encodeLineItems(input.LineItems)
	if err != nil {
		return err
	}
	r.Status = input.Status
	r.MerchantName = trimmedOrNil(input.MerchantName)
	r.TransactionDate = input.TransactionDate
	r.TotalAmount = input.TotalAmount
	r.LineItems = lineItems
	r.OverallConfidence = input.OverallConfidence
	r.RawText = input.RawText
	r.FailureReason = input.FailureReason
	// later status messages usually omit the image key
	if key := trimmedOrNil(input.ReceiptObjectKey); key != nil {
		r.ReceiptObjectKey = key
	}
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// IngestRecognitionResult stores the recognition producer's output keyed by
// source receipt id. Redelivered or stale messages are no-ops; forward status
// transitions update the current snapshot; terminal snapshots never change here.
func IngestRecognitionResult(ctx context.Context, input *NewRecognitionResult) (*RecognitionResult, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	if key := trimmedOrNil(input.ReceiptObjectKey); key != nil && !utils.ObjectBelongsToOrganization(*key, organizationId) {
		return nil, &utils.ValidationError{Field: "receipt_object_key", Message: "must be a receipt object of the organization"}
	}
	if err := utils.ValidateResourceId[Settlement](ctx, organizationId, EntityTypeSettlement, input.SettlementId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	var existing RecognitionResult
	err = tx.Where("organization_id = ? AND source_receipt_id = ? AND superseded_by_id IS NULL", organizationId, input.SourceReceiptId).
		Order("revision DESC").
		First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		result := RecognitionResult{
			OrganizationId:  organizationId,
			SettlementId:    input.SettlementId,
			SourceReceiptId: input.SourceReceiptId,
			Revision:        1,
		}
		if err := input.applyTo(&result); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Create(&result).Error; err != nil {
			tx.Rollback()
			if utils.IsDuplicateKeyError(err) {
				return nil, utils.NewConflict(EntityTypeRecognitionResult, 0, "ingest", "source receipt "+input.SourceReceiptId+" was ingested concurrently")
			}
			return nil, err
		}
		if _, err := RecordAudit(tx, AuditRecord{
			EntityType:  EntityTypeRecognitionResult,
			EntityId:    result.ID,
			Action:      AuditActionCreate,
			After:       result,
			Description: fmt.Sprintf("Recognition result for receipt %s received (%s)", result.SourceReceiptId, result.Status),
		}); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return &result, nil
	}

	if existing.SettlementId != input.SettlementId {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, existing.ID, "ingest",
			fmt.Sprintf("source receipt %s belongs to settlement #%d", input.SourceReceiptId, existing.SettlementId))
	}
	// redelivery or out-of-order message
	if input.Status == existing.Status || input.Status.rank() < existing.Status.rank() {
		tx.Rollback()
		return &existing, nil
	}
	if existing.Status.IsTerminal() {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, existing.ID, "ingest",
			fmt.Sprintf("result is %s and immutable; submit a correction instead", existing.Status))
	}

	updated := existing
	if err := input.applyTo(&updated); err != nil {
		tx.Rollback()
		return nil, err
	}
	res := tx.Model(&RecognitionResult{}).
		Where("id = ? AND status = ?", existing.ID, existing.Status).
		Updates(map[string]interface{}{
			"Status":            updated.Status,
			"MerchantName":      updated.MerchantName,
			"TransactionDate":   updated.TransactionDate,
			"TotalAmount":       updated.TotalAmount,
			"LineItems":         updated.LineItems,
			"OverallConfidence": updated.OverallConfidence,
			"RawText":           updated.RawText,
			"FailureReason":     updated.FailureReason,
			"ReceiptObjectKey":  updated.ReceiptObjectKey,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, existing.ID, "ingest", "result changed concurrently; retry")
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeRecognitionResult,
		EntityId:    existing.ID,
		Action:      AuditActionUpdate,
		Before:      existing,
		After:       updated,
		Description: fmt.Sprintf("Recognition %s -> %s", existing.Status, updated.Status),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

type correctionSnapshot struct {
	Result  *RecognitionResult `json:"result"`
	Mapping *Mapping           `json:"mapping,omitempty"`
}

// CorrectRecognitionResult re-enters a completed result as a new edited
// snapshot. The old snapshot is superseded and its mapping, if any, moves over.
func CorrectRecognitionResult(ctx context.Context, id int, input *RecognitionCorrection) (*RecognitionResult, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	lineItems, err := encodeLineItems(input.LineItems)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	old, err := utils.FetchModelTx[RecognitionResult](tx, organizationId, EntityTypeRecognitionResult, id, "Mapping")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if old.Status != RecognitionStatusCompleted {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, id, "correct", "only completed results can be corrected")
	}
	if !old.IsCurrent() {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, id, "correct", fmt.Sprintf("result was superseded by #%d", *old.SupersededById))
	}
	if _, err := lockSettlementForChange(tx, organizationId, old.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}

	full := decimal.NewFromInt(1)
	corrected := RecognitionResult{
		OrganizationId:    organizationId,
		SettlementId:      old.SettlementId,
		SourceReceiptId:   old.SourceReceiptId,
		Revision:          old.Revision + 1,
		Status:            RecognitionStatusCompleted,
		MerchantName:      trimmedOrNil(input.MerchantName),
		TransactionDate:   input.TransactionDate,
		TotalAmount:       input.TotalAmount,
		LineItems:         lineItems,
		OverallConfidence: &full,
		RawText:           old.RawText,
		ReceiptObjectKey:  old.ReceiptObjectKey,
	}
	if err := tx.Create(&corrected).Error; err != nil {
		tx.Rollback()
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewConflict(EntityTypeRecognitionResult, id, "correct", "result was corrected concurrently; reload and retry")
		}
		return nil, err
	}
	res := tx.Model(&RecognitionResult{}).
		Where("id = ? AND superseded_by_id IS NULL", old.ID).
		Update("superseded_by_id", corrected.ID)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, id, "correct", "result was corrected concurrently; reload and retry")
	}

	var moved *Mapping
	if old.Mapping != nil {
		m := *old.Mapping
		if err := tx.Model(&Mapping{}).Where("id = ?", m.ID).Update("recognition_result_id", corrected.ID).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		m.RecognitionResultId = corrected.ID
		moved = &m
		corrected.Mapping = moved
	}

	oldSnapshot := *old
	oldSnapshot.SupersededById = &corrected.ID
	description := fmt.Sprintf("Receipt %s corrected: revision %d -> %d", old.SourceReceiptId, old.Revision, corrected.Revision)
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		description += " (" + reason + ")"
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeRecognitionResult,
		EntityId:    corrected.ID,
		Action:      AuditActionUpdate,
		Before:      correctionSnapshot{Result: old, Mapping: old.Mapping},
		After:       correctionSnapshot{Result: &corrected, Mapping: moved},
		Description: description,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &corrected, nil
}

// DeleteRecognitionResult removes a result and cascades its mapping. Only the
// current revision can go; the revision it corrected becomes current again.
func DeleteRecognitionResult(ctx context.Context, id int) (*RecognitionResult, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	result, err := utils.FetchModelTx[RecognitionResult](tx, organizationId, EntityTypeRecognitionResult, id, "Mapping")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !result.IsCurrent() {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeRecognitionResult, id, "delete",
			fmt.Sprintf("result was superseded by #%d; delete the current revision instead", *result.SupersededById))
	}
	if result.Mapping != nil {
		if _, err := lockSettlementForChange(tx, organizationId, result.SettlementId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Delete(&Mapping{}, result.Mapping.ID).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	var previous RecognitionResult
	err = tx.Where("organization_id = ? AND superseded_by_id = ?", organizationId, id).First(&previous).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}
	description := "Recognition result for receipt " + result.SourceReceiptId + " deleted"
	if err == nil {
		if err := tx.Model(&RecognitionResult{}).Where("id = ?", previous.ID).Update("superseded_by_id", nil).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		description += fmt.Sprintf("; revision %d is current again", previous.Revision)
	}

	if err := tx.Delete(&RecognitionResult{}, id).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeRecognitionResult,
		EntityId:    id,
		Action:      AuditActionDelete,
		Before:      correctionSnapshot{Result: result, Mapping: result.Mapping},
		Description: description,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return result, nil
}

func GetRecognitionResult(ctx context.Context, id int) (*RecognitionResult, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	return utils.FetchModel[RecognitionResult](ctx, organizationId, EntityTypeRecognitionResult, id, "Mapping")
}

// ListRecognitionResults returns the settlement's results with their mappings,
// oldest first. Superseded snapshots are left out unless asked for.
func ListRecognitionResults(ctx context.Context, settlementId int, includeSuperseded bool) ([]*RecognitionResult, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	if err := utils.ValidateResourceId[Settlement](ctx, organizationId, EntityTypeSettlement, settlementId); err != nil {
		return nil, err
	}
	return listRecognitionResults(config.GetDB().WithContext(ctx), organizationId, settlementId, includeSuperseded)
}

func listRecognitionResults(db *gorm.DB, organizationId string, settlementId int, includeSuperseded bool) ([]*RecognitionResult, error) {
	dbCtx := db.Where("organization_id = ? AND settlement_id = ?", organizationId, settlementId)
	if !includeSuperseded {
		dbCtx = dbCtx.Where("superseded_by_id IS NULL")
	}
	var results []*RecognitionResult
	if err := dbCtx.Preload("Mapping").Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
