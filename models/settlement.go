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
	"gorm.io/gorm/clause"
)

type Settlement struct {
	ID                  int                   `gorm:"primary_key" json:"id"`
	OrganizationId      string                `gorm:"size:64;index;not null" json:"organization_id"`
	EventName           string                `gorm:"size:255;not null" json:"event_name"`
	Title               string                `gorm:"size:255;not null" json:"title"`
	Status              SettlementStatus      `gorm:"size:20;not null;index" json:"status"`
	TotalPlannedAmount  decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_planned_amount"`
	TotalActualAmount   decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_actual_amount"`
	TotalVarianceAmount decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_variance_amount"`
	TotalIncomeAmount   decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_income_amount"`
	TotalExpenseAmount  decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_expense_amount"`
	NetAmount           decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"net_amount"`
	SubmittedAt         *time.Time            `json:"submitted_at"`
	ReviewedAt          *time.Time            `json:"reviewed_at"`
	ReviewedBy          *string               `gorm:"size:100" json:"reviewed_by"`
	RejectionReason     *string               `gorm:"type:text" json:"rejection_reason"`
	LineItems           []*SettlementLineItem `gorm:"foreignKey:SettlementId" json:"line_items,omitempty"`
	CreatedAt           time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSettlement struct {
	EventName string `json:"event_name" validate:"required,max=255"`
	Title     string `json:"title" validate:"required,max=255"`
}

func (s Settlement) CheckChangeLock(ctx context.Context) error {
	if s.Status.CanBeModified() {
		return nil
	}
	return utils.NewConflict(EntityTypeSettlement, s.ID, "modify", fmt.Sprintf("settlement is %s and can no longer be modified", s.Status))
}

// lockSettlementForChange re-reads the settlement inside tx with a row lock and
// verifies it still accepts changes.
func lockSettlementForChange(tx *gorm.DB, organizationId string, settlementId int) (*Settlement, error) {
	var settlement Settlement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ?", organizationId).
		First(&settlement, settlementId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFound(EntityTypeSettlement, settlementId, "lock")
		}
		return nil, err
	}
	if err := settlement.CheckChangeLock(tx.Statement.Context); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// refreshSettlementTotals stores a fresh sum over the settlement's current line items.
func refreshSettlementTotals(tx *gorm.DB, settlementId int) error {
	var items []*SettlementLineItem
	if err := tx.Where("settlement_id = ?", settlementId).Order("id").Find(&items).Error; err != nil {
		return err
	}
	summary := SummarizeVariance(settlementId, items)
	return tx.Model(&Settlement{}).Where("id = ?", settlementId).Updates(map[string]interface{}{
		"TotalPlannedAmount":  summary.TotalPlannedAmount,
		"TotalActualAmount":   summary.TotalActualAmount,
		"TotalVarianceAmount": summary.TotalVarianceAmount,
		"TotalIncomeAmount":   summary.Income.ActualAmount,
		"TotalExpenseAmount":  summary.Expense.ActualAmount,
		"NetAmount":           summary.NetAmount,
	}).Error
}

func CreateSettlement(ctx context.Context, input *NewSettlement) (*Settlement, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	settlement := Settlement{
		OrganizationId: organizationId,
		EventName:      strings.TrimSpace(input.EventName),
		Title:          strings.TrimSpace(input.Title),
		Status:         SettlementStatusDraft,
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	if err := tx.Create(&settlement).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeSettlement,
		EntityId:    settlement.ID,
		Action:      AuditActionCreate,
		After:       settlement,
		Description: "Settlement created for " + settlement.EventName,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

func GetSettlement(ctx context.Context, id int) (*Settlement, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	return utils.FetchModel[Settlement](ctx, organizationId, EntityTypeSettlement, id)
}

func ListSettlements(ctx context.Context, status *SettlementStatus) ([]*Settlement, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var results []*Settlement
	if err := dbCtx.Order("id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func SubmitSettlement(ctx context.Context, id int) (*Settlement, error) {
	return transitionSettlement(ctx, id, "submit",
		[]SettlementStatus{SettlementStatusDraft, SettlementStatusRejected},
		SettlementStatusSubmitted, AuditActionUpdate,
		func(s *Settlement, now time.Time, _ string) map[string]interface{} {
			s.SubmittedAt = &now
			return map[string]interface{}{"SubmittedAt": now}
		})
}

func ReviewSettlement(ctx context.Context, id int) (*Settlement, error) {
	return transitionSettlement(ctx, id, "review",
		[]SettlementStatus{SettlementStatusSubmitted},
		SettlementStatusUnderReview, AuditActionUpdate, nil)
}

func ApproveSettlement(ctx context.Context, id int) (*Settlement, error) {
	return transitionSettlement(ctx, id, "approve",
		[]SettlementStatus{SettlementStatusSubmitted, SettlementStatusUnderReview},
		SettlementStatusApproved, AuditActionApprove,
		func(s *Settlement, now time.Time, actorId string) map[string]interface{} {
			s.ReviewedAt = &now
			s.ReviewedBy = &actorId
			s.RejectionReason = nil
			return map[string]interface{}{"ReviewedAt": now, "ReviewedBy": actorId, "RejectionReason": nil}
		})
}

func RejectSettlement(ctx context.Context, id int, reason string) (*Settlement, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &utils.ValidationError{Field: "reason", Message: "is required"}
	}
	return transitionSettlement(ctx, id, "reject",
		[]SettlementStatus{SettlementStatusSubmitted, SettlementStatusUnderReview},
		SettlementStatusRejected, AuditActionReject,
		func(s *Settlement, now time.Time, actorId string) map[string]interface{} {
			s.ReviewedAt = &now
			s.ReviewedBy = &actorId
			s.RejectionReason = &reason
			return map[string]interface{}{"ReviewedAt": now, "ReviewedBy": actorId, "RejectionReason": reason}
		})
}

func FinalizeSettlement(ctx context.Context, id int) (*Settlement, error) {
	return transitionSettlement(ctx, id, "finalize",
		[]SettlementStatus{SettlementStatusApproved},
		SettlementStatusFinal, AuditActionUpdate, nil)
}

func ReopenSettlement(ctx context.Context, id int) (*Settlement, error) {
	return transitionSettlement(ctx, id, "reopen",
		[]SettlementStatus{SettlementStatusRejected},
		SettlementStatusDraft, AuditActionUpdate, nil)
}

type settlementMutator func(s *Settlement, now time.Time, actorId string) map[string]interface{}

// transitionSettlement moves a settlement between workflow states with a
// conditional update, so two racing transitions cannot both succeed.
func transitionSettlement(ctx context.Context, id int, action string, from []SettlementStatus, to SettlementStatus, auditAction AuditAction, mutate settlementMutator) (*Settlement, error) {
	organizationId, actorId, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	current, err := utils.FetchModel[Settlement](ctx, organizationId, EntityTypeSettlement, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(current.Status, from) {
		return nil, utils.NewConflict(EntityTypeSettlement, id, action, fmt.Sprintf("cannot %s a settlement in status %s", action, current.Status))
	}

	updated := *current
	updated.LineItems = nil
	updated.Status = to
	now := time.Now().UTC()
	fields := map[string]interface{}{"Status": to}
	if mutate != nil {
		for k, v := range mutate(&updated, now, actorId) {
			fields[k] = v
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	res := tx.Model(&Settlement{}).
		Where("id = ? AND organization_id = ? AND status = ?", id, organizationId, current.Status).
		Updates(fields)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewConflict(EntityTypeSettlement, id, action, "settlement changed concurrently; reload and retry")
	}
	if _, err := RecordAudit(tx, AuditRecord{
		EntityType:  EntityTypeSettlement,
		EntityId:    id,
		Action:      auditAction,
		Before:      current,
		After:       updated,
		Description: fmt.Sprintf("Settlement %s: %s -> %s", action, current.Status, to),
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

func statusIn(s SettlementStatus, set []SettlementStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
