package models_test

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testOrganization = "org-test"

// setupTestDB installs a fresh in-memory database as the global connection and
// returns a context carrying organization, actor and correlation id.
func setupTestDB(t *testing.T) (context.Context, *gorm.DB) {
	t.Helper()
	t.Setenv("LINE_ITEM_REDIS_LOCK", "false")

	conn, err := gorm.Open(sqlite.Open(":memory:"), config.InitGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps the in-memory database alive and shared
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.Use(config.NewTenantGuardPlugin()); err != nil {
		t.Fatalf("tenant guard: %v", err)
	}
	config.SetDB(conn)
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), testOrganization)
	ctx = utils.SetActorIdInContext(ctx, "tester")
	ctx = utils.SetCorrelationIdInContext(ctx, "corr-test")
	return ctx, conn
}

type ledgerFixture struct {
	ctx        context.Context
	db         *gorm.DB
	settlement *models.Settlement
	food       *models.SettlementLineItem
	flyers     *models.SettlementLineItem
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	ctx, db := setupTestDB(t)

	settlement, err := models.CreateSettlement(ctx, &models.NewSettlement{EventName: "Spring Retreat", Title: "Retreat settlement"})
	if err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}
	food, err := models.CreateSettlementLineItem(ctx, settlement.ID, &models.NewSettlementLineItem{
		Type:          models.LineItemTypeExpense,
		Category:      "식사비",
		Description:   "점심",
		PlannedAmount: decimal.NewFromInt(50000),
	})
	if err != nil {
		t.Fatalf("CreateSettlementLineItem food: %v", err)
	}
	flyers, err := models.CreateSettlementLineItem(ctx, settlement.ID, &models.NewSettlementLineItem{
		Type:          models.LineItemTypeExpense,
		Category:      "print",
		Description:   "flyers",
		PlannedAmount: decimal.NewFromInt(20000),
	})
	if err != nil {
		t.Fatalf("CreateSettlementLineItem flyers: %v", err)
	}
	return &ledgerFixture{ctx: ctx, db: db, settlement: settlement, food: food, flyers: flyers}
}

func (f *ledgerFixture) ingest(t *testing.T, receipt string, merchant string, total int64) *models.RecognitionResult {
	t.Helper()
	result, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId:    f.settlement.ID,
		SourceReceiptId: receipt,
		Status:          models.RecognitionStatusCompleted,
		MerchantName:    strPtr(merchant),
		TotalAmount:     decPtr(total),
	})
	if err != nil {
		t.Fatalf("IngestRecognitionResult %s: %v", receipt, err)
	}
	return result
}

func (f *ledgerFixture) auditCount(t *testing.T, entityType string, action models.AuditAction) int {
	t.Helper()
	entries, err := models.ListAuditEntries(f.ctx, models.AuditFilter{EntityType: &entityType, ActionType: &action})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	return len(entries)
}
