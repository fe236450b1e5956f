package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SettlementLineItem struct {
	ID             int              `gorm:"primary_key" json:"id"`
	OrganizationId string           `gorm:"size:64;index;not null" json:"organization_id"`
	SettlementId   int              `gorm:"index;not null" json:"settlement_id"`
	Type           LineItemType     `gorm:"size:10;not null" json:"type"`
	Category       string           `gorm:"size:100;not null" json:"category"`
	Description    string           `gorm:"size:255" json:"description"`
	PlannedAmount  decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"planned_amount"`
	ActualAmount   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"actual_amount"`
	VarianceAmount decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"variance_amount"`
	VarianceRate   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"variance_rate"`
	RateAnomalous  bool             `gorm:"not null;default:false" json:"rate_anomalous"`
	CompletionRate *decimal.Decimal `gorm:"type:decimal(7,4)" json:"completion_rate"`
	IncomeStatus   *IncomeStatus    `gorm:"size:20" json:"income_status"`
	ExpectedDate   *time.Time       `json:"expected_date"`
	Notes          *string          `gorm:"type:text" json:"notes"`
	Version        int              `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`

	DisplayVarianceRate *decimal.Decimal `gorm:"-" json:"display_variance_rate"`
}

type NewSettlementLineItem struct {
	Type          LineItemType    `json:"type" validate:"required,oneof=INCOME EXPENSE"`
	Category      string          `json:"category" validate:"required,max=100"`
	Description   string          `json:"description" validate:"max=255"`
	PlannedAmount decimal.Decimal `json:"planned_amount" validate:"gte=0"`
	ActualAmount  decimal.Decimal `json:"actual_amount" validate:"gte=0"`
	ExpectedDate  *time.Time      `json:"expected_date"`
	Notes         *string         `json:"notes"`
}

// SettlementLineItemUpdate replaces the editable fields. Version, when sent,
// must match the stored version.
type SettlementLineItemUpdate struct {
	NewSettlementLineItem
	Version *int `json:"version"`
}

func (item *SettlementLineItem) AfterFind(tx *gorm.DB) error {
	item.DisplayVarianceRate, _ = ClampRate(item.VarianceRate)
	return nil
}

// line items are locked together with their settlement
func (item SettlementLineItem) CheckChangeLock(ctx context.Context) error {
	settlement, err := utils.FetchModel[Settlement](ctx, item.OrganizationId, EntityTypeSettlement, item.SettlementId)
	if err != nil {
		return err
	}
	return settlement.CheckChangeLock(ctx)
}

func (input *NewSettlementLineItem) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if strings.TrimSpace(input.Category) == "" {
		return &utils.ValidationError{Field: "category", Message: "is required"}
	}
	if input.Type != LineItemTypeIncome && input.ExpectedDate != nil {
		return &utils.ValidationError{Field: "expected_date", Message: "only income items have an expected date"}
	}
	return nil
}

func (input *NewSettlementLineItem) applyTo(item *SettlementLineItem) {
	item.Type = input.Type
	item.Category = strings.TrimSpace(input.Category)
	item.Description = strings.TrimSpace(input.Description)
	item.PlannedAmount = input.PlannedAmount
	item.ActualAmount = input.ActualAmount
	item.ExpectedDate = input.ExpectedDate
	item.Notes = input.Notes
}

func CreateSettlementLineItem(ctx context.Context, settlementId int, input *NewSettlementLineItem) (*SettlementLineItem, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	item := SettlementLineItem{
		OrganizationId: organizationId,
		SettlementId:   settlementId,
		Version:        1,
	}
	input.applyTo(&item)
	item.Recompute(time.Now())

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if _, err := lockSettlementForChange(tx, organizationId, settlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Create(&item).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := refreshSettlementTotals(tx, settlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeLineItem,
		EntityId:    item.ID,
		Action:      AuditActionCreate,
		After:       item,
		Description: fmt.Sprintf("%s line item %q created", item.Type, item.Category),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func UpdateSettlementLineItem(ctx context.Context, id int, input *SettlementLineItemUpdate) (*SettlementLineItem, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	if config.LineItemRedisLock() {
		release := utils.ObtainBestEffortLock(ctx, fmt.Sprintf("line_item:%d", id), 10*time.Second, "UpdateSettlementLineItem")
		defer release()
	}

	current, err := utils.FetchModelForChange[SettlementLineItem](ctx, organizationId, EntityTypeLineItem, id)
	if err != nil {
		return nil, err
	}
	if input.Version != nil && *input.Version != current.Version {
		return nil, utils.NewConflict(EntityTypeLineItem, id, "update",
			fmt.Sprintf("stale version %d, current version is %d", *input.Version, current.Version))
	}

	updated := *current
	input.applyTo(&updated)
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	updated.Recompute(time.Now())

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if _, err := lockSettlementForChange(tx, organizationId, current.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	res := tx.Model(&SettlementLineItem{}).
		Where("id = ? AND version = ?", id, current.Version).
		Updates(map[string]interface{}{
			"Type":           updated.Type,
			"Category":       updated.Category,
			"Description":    updated.Description,
			"PlannedAmount":  updated.PlannedAmount,
			"ActualAmount":   updated.ActualAmount,
			"VarianceAmount": updated.VarianceAmount,
			"VarianceRate":   updated.VarianceRate,
			"RateAnomalous":  updated.RateAnomalous,
			"CompletionRate": updated.CompletionRate,
			"IncomeStatus":   updated.IncomeStatus,
			"ExpectedDate":   updated.ExpectedDate,
			"Notes":          updated.Notes,
			"Version":        updated.Version,
		})
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeLineItem, id, "update", "line item changed concurrently; reload and retry")
	}
	if err := refreshSettlementTotals(tx, current.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeLineItem,
		EntityId:    id,
		Action:      AuditActionUpdate,
		Before:      current,
		After:       updated,
		Description: fmt.Sprintf("Line item %q updated (version %d)", updated.Category, updated.Version),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

func DeleteSettlementLineItem(ctx context.Context, id int) (*SettlementLineItem, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	result, err := utils.FetchModelForChange[SettlementLineItem](ctx, organizationId, EntityTypeLineItem, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if _, err := lockSettlementForChange(tx, organizationId, result.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	var mapped int64
	if err := tx.Model(&Mapping{}).Where("settlement_line_item_id = ?", id).Count(&mapped).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if mapped > 0 {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeLineItem, id, "delete", fmt.Sprintf("line item has %d mapped receipt(s); unmap them first", mapped))
	}
	if err := tx.Delete(&SettlementLineItem{}, id).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := refreshSettlementTotals(tx, result.SettlementId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeLineItem,
		EntityId:    id,
		Action:      AuditActionDelete,
		Before:      result,
		Description: fmt.Sprintf("Line item %q deleted", result.Category),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return result, nil
}

func GetSettlementLineItem(ctx context.Context, id int) (*SettlementLineItem, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	return utils.FetchModel[SettlementLineItem](ctx, organizationId, EntityTypeLineItem, id)
}

// ListSettlementLineItems returns the settlement's items in creation order.
func ListSettlementLineItems(ctx context.Context, settlementId int) ([]*SettlementLineItem, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	if err := utils.ValidateResourceId[Settlement](ctx, organizationId, EntityTypeSettlement, settlementId); err != nil {
		return nil, err
	}
	return listLineItems(config.GetDB().WithContext(ctx), organizationId, settlementId)
}

func listLineItems(db *gorm.DB, organizationId string, settlementId int) ([]*SettlementLineItem, error) {
	var items []*SettlementLineItem
	err := db.Where("organization_id = ? AND settlement_id = ?", organizationId, settlementId).
		Order("id").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// RecomputeSettlement rewrites the derived fields of every item and the stored
// settlement totals. Used by the rebuild tool; each changed item gets an UPDATE audit entry.
func RecomputeSettlement(ctx context.Context, settlementId int, today time.Time) (int, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return 0, err
	}
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	var settlement Settlement
	if err := tx.Where("organization_id = ?", organizationId).First(&settlement, settlementId).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.NewNotFound(EntityTypeSettlement, settlementId, "recompute")
		}
		return 0, err
	}
	items, err := listLineItems(tx, organizationId, settlementId)
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	changed := 0
	for _, current := range items {
		updated := *current
		updated.Recompute(today)
		if !derivedFieldsDiffer(current, &updated) {
			continue
		}
		updated.Version = current.Version + 1
		err := tx.Model(&SettlementLineItem{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
			"VarianceAmount": updated.VarianceAmount,
			"VarianceRate":   updated.VarianceRate,
			"RateAnomalous":  updated.RateAnomalous,
			"CompletionRate": updated.CompletionRate,
			"IncomeStatus":   updated.IncomeStatus,
			"Version":        updated.Version,
		}).Error
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if _, err := RecordAudit(tx, AuditRecord{
			EntityType:  EntityTypeLineItem,
			EntityId:    current.ID,
			Action:      AuditActionUpdate,
			Before:      current,
			After:       updated,
			Description: "Derived fields recomputed",
		}); err != nil {
			tx.Rollback()
			return 0, err
		}
		changed++
	}
	if err := refreshSettlementTotals(tx, settlementId); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return changed, nil
}

func derivedFieldsDiffer(a, b *SettlementLineItem) bool {
	if !a.VarianceAmount.Equal(b.VarianceAmount) || a.RateAnomalous != b.RateAnomalous {
		return true
	}
	if !decimalPtrEqual(a.VarianceRate, b.VarianceRate) || !decimalPtrEqual(a.CompletionRate, b.CompletionRate) {
		return true
	}
	if (a.IncomeStatus == nil) != (b.IncomeStatus == nil) {
		return true
	}
	return a.IncomeStatus != nil && *a.IncomeStatus != *b.IncomeStatus
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
