package models_test

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/shopspring/decimal"
)

func TestLineItemUpdateRecomputesAndRefreshesTotals(t *testing.T) {
	f := newLedgerFixture(t)
	income, err := models.CreateSettlementLineItem(f.ctx, f.settlement.ID, &models.NewSettlementLineItem{
		Type:          models.LineItemTypeIncome,
		Category:      "membership fees",
		PlannedAmount: decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("CreateSettlementLineItem: %v", err)
	}
	if income.IncomeStatus == nil || *income.IncomeStatus != models.IncomeStatusPlanned {
		t.Fatalf("new income item should start PLANNED, got %v", income.IncomeStatus)
	}

	version := income.Version
	updated, err := models.UpdateSettlementLineItem(f.ctx, income.ID, &models.SettlementLineItemUpdate{
		NewSettlementLineItem: models.NewSettlementLineItem{
			Type:          models.LineItemTypeIncome,
			Category:      "membership fees",
			PlannedAmount: decimal.NewFromInt(100000),
			ActualAmount:  decimal.NewFromInt(100000),
		},
		Version: &version,
	})
	if err != nil {
		t.Fatalf("UpdateSettlementLineItem: %v", err)
	}
	if !updated.VarianceAmount.IsZero() || updated.VarianceRate == nil || !updated.VarianceRate.IsZero() {
		t.Fatalf("expected zero variance, got %s / %v", updated.VarianceAmount, updated.VarianceRate)
	}
	if *updated.IncomeStatus != models.IncomeStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", *updated.IncomeStatus)
	}

	stored, err := models.GetSettlementLineItem(f.ctx, income.ID)
	if err != nil {
		t.Fatalf("GetSettlementLineItem: %v", err)
	}
	if !stored.VarianceAmount.Equal(stored.ActualAmount.Sub(stored.PlannedAmount)) {
		t.Fatalf("stored variance drifted: %s", stored.VarianceAmount)
	}

	settlement, err := models.GetSettlement(f.ctx, f.settlement.ID)
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	// 50000 + 20000 + 100000 planned, only the income has actuals
	if !settlement.TotalPlannedAmount.Equal(decimal.NewFromInt(170000)) || !settlement.TotalActualAmount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected totals %s / %s", settlement.TotalPlannedAmount, settlement.TotalActualAmount)
	}
	if !settlement.NetAmount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected net %s", settlement.NetAmount)
	}

	summary, err := models.GetVarianceSummary(f.ctx, f.settlement.ID)
	if err != nil {
		t.Fatalf("GetVarianceSummary: %v", err)
	}
	if !summary.TotalVarianceAmount.Equal(settlement.TotalVarianceAmount) {
		t.Fatalf("summary and stored totals disagree: %s vs %s", summary.TotalVarianceAmount, settlement.TotalVarianceAmount)
	}
}

func TestLineItemUpdateWithStaleVersionConflicts(t *testing.T) {
	f := newLedgerFixture(t)
	stale := f.flyers.Version
	input := &models.SettlementLineItemUpdate{
		NewSettlementLineItem: models.NewSettlementLineItem{
			Type: models.LineItemTypeExpense, Category: "print", PlannedAmount: decimal.NewFromInt(20000), ActualAmount: decimal.NewFromInt(5000),
		},
		Version: &stale,
	}
	if _, err := models.UpdateSettlementLineItem(f.ctx, f.flyers.ID, input); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := models.UpdateSettlementLineItem(f.ctx, f.flyers.ID, input)
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	item, _ := models.GetSettlementLineItem(f.ctx, f.flyers.ID)
	if item.Version != stale+1 || !item.ActualAmount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("loser must not be applied, got version %d actual %s", item.Version, item.ActualAmount)
	}
}

func TestLineItemValidation(t *testing.T) {
	f := newLedgerFixture(t)
	expected := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []*models.NewSettlementLineItem{
		{Type: models.LineItemTypeExpense, Category: "food", PlannedAmount: decimal.NewFromInt(-1)},
		{Type: models.LineItemTypeExpense, Category: "food", ActualAmount: decimal.NewFromInt(-1)},
		{Type: "OTHER", Category: "food"},
		{Type: models.LineItemTypeExpense, Category: "   "},
		{Type: models.LineItemTypeExpense, Category: "food", ExpectedDate: &expected},
	}
	for i, input := range cases {
		_, err := models.CreateSettlementLineItem(f.ctx, f.settlement.ID, input)
		var invalid *utils.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestSettlementWorkflowLocksChanges(t *testing.T) {
	f := newLedgerFixture(t)

	if _, err := models.ApproveSettlement(f.ctx, f.settlement.ID); err == nil {
		t.Fatalf("a draft cannot be approved")
	}
	if _, err := models.SubmitSettlement(f.ctx, f.settlement.ID); err != nil {
		t.Fatalf("SubmitSettlement: %v", err)
	}
	_, err := models.CreateSettlementLineItem(f.ctx, f.settlement.ID, &models.NewSettlementLineItem{
		Type: models.LineItemTypeExpense, Category: "late",
	})
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("submitted settlement should reject new items, got %v", err)
	}

	if _, err := models.RejectSettlement(f.ctx, f.settlement.ID, " "); err == nil {
		t.Fatalf("reject without a reason must fail")
	}
	rejected, err := models.RejectSettlement(f.ctx, f.settlement.ID, "receipts missing")
	if err != nil {
		t.Fatalf("RejectSettlement: %v", err)
	}
	if rejected.Status != models.SettlementStatusRejected || rejected.RejectionReason == nil {
		t.Fatalf("unexpected settlement %+v", rejected)
	}
	// rejected settlements are editable again
	if _, err := models.CreateSettlementLineItem(f.ctx, f.settlement.ID, &models.NewSettlementLineItem{
		Type: models.LineItemTypeExpense, Category: "late",
	}); err != nil {
		t.Fatalf("rejected settlement should accept items: %v", err)
	}

	if _, err := models.SubmitSettlement(f.ctx, f.settlement.ID); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := models.ReviewSettlement(f.ctx, f.settlement.ID); err != nil {
		t.Fatalf("ReviewSettlement: %v", err)
	}
	approved, err := models.ApproveSettlement(f.ctx, f.settlement.ID)
	if err != nil {
		t.Fatalf("ApproveSettlement: %v", err)
	}
	if approved.ReviewedBy == nil || *approved.ReviewedBy != "tester" || approved.RejectionReason != nil {
		t.Fatalf("unexpected approval %+v", approved)
	}
	if _, err := models.FinalizeSettlement(f.ctx, f.settlement.ID); err != nil {
		t.Fatalf("FinalizeSettlement: %v", err)
	}

	if n := f.auditCount(t, models.EntityTypeSettlement, models.AuditActionApprove); n != 1 {
		t.Fatalf("expected 1 APPROVE entry, got %d", n)
	}
	if n := f.auditCount(t, models.EntityTypeSettlement, models.AuditActionReject); n != 1 {
		t.Fatalf("expected 1 REJECT entry, got %d", n)
	}
}

func TestRecomputeSettlementRepairsDriftedRows(t *testing.T) {
	f := newLedgerFixture(t)
	// simulate a row written by an older release with a wrong derived value
	if err := f.db.Exec("UPDATE settlement_line_items SET variance_amount = 123 WHERE id = ?", f.food.ID).Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	changed, err := models.RecomputeSettlement(f.ctx, f.settlement.ID, time.Now())
	if err != nil {
		t.Fatalf("RecomputeSettlement: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 repaired item, got %d", changed)
	}
	item, _ := models.GetSettlementLineItem(f.ctx, f.food.ID)
	if !item.VarianceAmount.Equal(decimal.NewFromInt(-50000)) {
		t.Fatalf("expected -50000, got %s", item.VarianceAmount)
	}

	again, err := models.RecomputeSettlement(f.ctx, f.settlement.ID, time.Now())
	if err != nil || again != 0 {
		t.Fatalf("second run should be a no-op, got %d, %v", again, err)
	}
}

func TestAuditEntriesAreImmutable(t *testing.T) {
	f := newLedgerFixture(t)
	entries, err := models.ListAuditEntries(f.ctx, models.AuditFilter{})
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected audit entries, got %d, %v", len(entries), err)
	}
	entry := entries[0]

	err = f.db.WithContext(f.ctx).Model(entry).Update("description", "rewritten").Error
	if !errors.Is(err, models.ErrAuditImmutable) {
		t.Fatalf("update should be refused, got %v", err)
	}
	err = f.db.WithContext(f.ctx).Delete(entry).Error
	if !errors.Is(err, models.ErrAuditImmutable) {
		t.Fatalf("delete should be refused, got %v", err)
	}
}

func TestAuditTrailIsTenantScoped(t *testing.T) {
	f := newLedgerFixture(t)
	other := utils.SetOrganizationIdInContext(f.ctx, "org-other")

	entries, err := models.ListAuditEntries(other, models.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("another organization must not see entries, got %d", len(entries))
	}
	if _, err := models.GetSettlement(other, f.settlement.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("another organization must not see the settlement, got %v", err)
	}
}

func TestMutationsRequireActor(t *testing.T) {
	ctx, _ := setupTestDB(t)
	noActor := utils.SetActorIdInContext(ctx, "")

	_, err := models.CreateSettlement(noActor, &models.NewSettlement{EventName: "x", Title: "y"})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "actor_id" {
		t.Fatalf("expected actor_id ValidationError, got %v", err)
	}
}
