package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/shopspring/decimal"
)

func TestIngestFollowsLifecycleAndIgnoresRedelivery(t *testing.T) {
	f := newLedgerFixture(t)
	input := func(status models.RecognitionStatus, total *decimal.Decimal) *models.NewRecognitionResult {
		return &models.NewRecognitionResult{
			SettlementId:    f.settlement.ID,
			SourceReceiptId: "scan-42",
			Status:          status,
			TotalAmount:     total,
		}
	}

	pending, err := models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusPending, nil))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if _, err := models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusProcessing, nil)); err != nil {
		t.Fatalf("processing: %v", err)
	}
	completed, err := models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusCompleted, decPtr(12000)))
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if completed.ID != pending.ID || completed.Revision != 1 {
		t.Fatalf("lifecycle must update one row in place, got id %d rev %d", completed.ID, completed.Revision)
	}

	// late processing message and a redelivered completion are both no-ops
	stale, err := models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusProcessing, nil))
	if err != nil || stale.Status != models.RecognitionStatusCompleted {
		t.Fatalf("stale message should return the stored result, got %+v, %v", stale, err)
	}
	if _, err := models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusCompleted, decPtr(12000))); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if n := f.auditCount(t, models.EntityTypeRecognitionResult, models.AuditActionCreate); n != 1 {
		t.Fatalf("expected 1 CREATE entry, got %d", n)
	}
	if n := f.auditCount(t, models.EntityTypeRecognitionResult, models.AuditActionUpdate); n != 2 {
		t.Fatalf("expected 2 UPDATE entries, got %d", n)
	}

	// completed then failed is a terminal-to-terminal change
	_, err = models.IngestRecognitionResult(f.ctx, input(models.RecognitionStatusFailed, nil))
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestIngestCompletedRequiresTotal(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId:    f.settlement.ID,
		SourceReceiptId: "scan-1",
		Status:          models.RecognitionStatusCompleted,
	})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "total_amount" {
		t.Fatalf("expected total_amount ValidationError, got %v", err)
	}
}

func TestIngestRejectsNegativeTotalAndUnknownStatus(t *testing.T) {
	f := newLedgerFixture(t)
	cases := []*models.NewRecognitionResult{
		{SettlementId: f.settlement.ID, SourceReceiptId: "scan-1", Status: models.RecognitionStatusCompleted, TotalAmount: decPtr(-5)},
		{SettlementId: f.settlement.ID, SourceReceiptId: "scan-2", Status: "scanned"},
		{SettlementId: f.settlement.ID, SourceReceiptId: "  ", Status: models.RecognitionStatusPending},
	}
	for i, input := range cases {
		_, err := models.IngestRecognitionResult(f.ctx, input)
		var invalid *utils.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestCorrectionSupersedesAndMovesMapping(t *testing.T) {
	f := newLedgerFixture(t)
	original := f.ingest(t, "scan-7", "Print Shp", 1800)
	if _, err := models.MapRecognitionResult(f.ctx, &models.NewMapping{RecognitionResultId: original.ID, SettlementLineItemId: f.flyers.ID}); err != nil {
		t.Fatalf("map: %v", err)
	}

	corrected, err := models.CorrectRecognitionResult(f.ctx, original.ID, &models.RecognitionCorrection{
		MerchantName: strPtr("Print Shop"),
		TotalAmount:  decPtr(18000),
		Reason:       "digit dropped",
	})
	if err != nil {
		t.Fatalf("CorrectRecognitionResult: %v", err)
	}
	if corrected.Revision != 2 || corrected.ID == original.ID {
		t.Fatalf("correction must be a new revision, got %+v", corrected)
	}

	old, err := models.GetRecognitionResult(f.ctx, original.ID)
	if err != nil {
		t.Fatalf("GetRecognitionResult: %v", err)
	}
	if old.SupersededById == nil || *old.SupersededById != corrected.ID || old.Mapping != nil {
		t.Fatalf("old snapshot should point at the correction and lose its mapping, got %+v", old)
	}

	current, err := models.ListRecognitionResults(f.ctx, f.settlement.ID, false)
	if err != nil {
		t.Fatalf("ListRecognitionResults: %v", err)
	}
	if len(current) != 1 || current[0].ID != corrected.ID {
		t.Fatalf("only the correction is current, got %+v", current)
	}
	if current[0].Mapping == nil || current[0].Mapping.SettlementLineItemId != f.flyers.ID {
		t.Fatalf("mapping should move to the correction, got %+v", current[0].Mapping)
	}
	all, _ := models.ListRecognitionResults(f.ctx, f.settlement.ID, true)
	if len(all) != 2 {
		t.Fatalf("history keeps both snapshots, got %d", len(all))
	}

	// the superseded snapshot can no longer be corrected or mapped
	_, err = models.CorrectRecognitionResult(f.ctx, original.ID, &models.RecognitionCorrection{TotalAmount: decPtr(1)})
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError correcting a superseded result, got %v", err)
	}
}

func TestDeletingCorrectionReinstatesPreviousRevision(t *testing.T) {
	f := newLedgerFixture(t)
	original := f.ingest(t, "scan-8", "Cafe", 3000)
	corrected, err := models.CorrectRecognitionResult(f.ctx, original.ID, &models.RecognitionCorrection{
		TotalAmount: decPtr(30000),
		Reason:      "missing zero",
	})
	if err != nil {
		t.Fatalf("CorrectRecognitionResult: %v", err)
	}

	// only the head of the chain can be deleted
	_, err = models.DeleteRecognitionResult(f.ctx, original.ID)
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError deleting a superseded result, got %v", err)
	}

	if _, err := models.DeleteRecognitionResult(f.ctx, corrected.ID); err != nil {
		t.Fatalf("DeleteRecognitionResult: %v", err)
	}
	current, err := models.ListRecognitionResults(f.ctx, f.settlement.ID, false)
	if err != nil {
		t.Fatalf("ListRecognitionResults: %v", err)
	}
	if len(current) != 1 || current[0].ID != original.ID || current[0].SupersededById != nil {
		t.Fatalf("original should be current again, got %+v", current)
	}

	redelivered := f.ingest(t, "scan-8", "Cafe", 3000)
	if redelivered.ID != original.ID {
		t.Fatalf("redelivery should resolve to the reinstated revision, got #%d", redelivered.ID)
	}
	if got := f.auditCount(t, models.EntityTypeRecognitionResult, models.AuditActionDelete); got != 1 {
		t.Fatalf("want 1 DELETE audit entry, got %d", got)
	}
}

func TestCorrectionRequiresCompletedResult(t *testing.T) {
	f := newLedgerFixture(t)
	pending, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId: f.settlement.ID, SourceReceiptId: "scan-9", Status: models.RecognitionStatusPending,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err = models.CorrectRecognitionResult(f.ctx, pending.ID, &models.RecognitionCorrection{TotalAmount: decPtr(10)})
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestDuplicatesReport(t *testing.T) {
	f := newLedgerFixture(t)
	a := f.ingest(t, "scan-a", "Cafe", 30000)
	b := f.ingest(t, "scan-b", "Cafe", 30000)
	f.ingest(t, "scan-c", "Cafe", 30001)

	report, err := models.GetDuplicates(f.ctx, f.settlement.ID, false)
	if err != nil {
		t.Fatalf("GetDuplicates: %v", err)
	}
	if len(report.Groups) != 1 || len(report.RecognitionResultIds) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.RecognitionResultIds[0] != a.ID || report.RecognitionResultIds[1] != b.ID {
		t.Fatalf("expected %d and %d, got %v", a.ID, b.ID, report.RecognitionResultIds)
	}

	_, err = models.GetDuplicates(f.ctx, 9999, false)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("unknown settlement should be NotFound, got %v", err)
	}
}
