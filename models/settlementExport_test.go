package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
)

func TestBuildSettlementWorkbook(t *testing.T) {
	f := newLedgerFixture(t)
	r1 := f.ingest(t, "receipt-1", "Print Shop", 18000)
	f.ingest(t, "receipt-2", "Cafe", 4200)
	if _, err := models.MapRecognitionResult(f.ctx, &models.NewMapping{RecognitionResultId: r1.ID, SettlementLineItemId: f.flyers.ID}); err != nil {
		t.Fatalf("map: %v", err)
	}

	book, err := models.BuildSettlementWorkbook(f.ctx, f.settlement.ID)
	if err != nil {
		t.Fatalf("BuildSettlementWorkbook: %v", err)
	}
	defer book.Close()

	if name, _ := book.GetCellValue("Summary", "B1"); name != "Spring Retreat" {
		t.Fatalf("unexpected event name %q", name)
	}
	items, err := book.GetRows("Line Items")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(items) != 3 || items[1][1] != "식사비" || items[2][1] != "print" {
		t.Fatalf("unexpected line item rows %v", items)
	}
	receipts, err := book.GetRows("Receipts")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(receipts) != 3 {
		t.Fatalf("expected header and 2 receipts, got %v", receipts)
	}
	if receipts[1][0] != "receipt-1" || receipts[1][3] != "Print Shop" {
		t.Fatalf("unexpected receipt row %v", receipts[1])
	}
}

func TestBuildSettlementWorkbookUnknownSettlement(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := models.BuildSettlementWorkbook(f.ctx, 9999)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIngestRejectsForeignReceiptObject(t *testing.T) {
	f := newLedgerFixture(t)
	foreign := "org-other/settlements/1/receipts/a.jpg"
	_, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId:     f.settlement.ID,
		SourceReceiptId:  "scan-x",
		Status:           models.RecognitionStatusPending,
		ReceiptObjectKey: &foreign,
	})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "receipt_object_key" {
		t.Fatalf("expected receipt_object_key ValidationError, got %v", err)
	}

	own := testOrganization + "/settlements/1/receipts/a.jpg"
	result, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId:     f.settlement.ID,
		SourceReceiptId:  "scan-y",
		Status:           models.RecognitionStatusPending,
		ReceiptObjectKey: &own,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// the completion message carries no key; the stored one stays
	completed, err := models.IngestRecognitionResult(f.ctx, &models.NewRecognitionResult{
		SettlementId:    f.settlement.ID,
		SourceReceiptId: "scan-y",
		Status:          models.RecognitionStatusCompleted,
		TotalAmount:     decPtr(100),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.ID != result.ID || completed.ReceiptObjectKey == nil || *completed.ReceiptObjectKey != own {
		t.Fatalf("object key should survive the status update, got %+v", completed.ReceiptObjectKey)
	}
}

func TestReceiptUploadRejectsBadInput(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := models.RequestReceiptUpload(f.ctx, f.settlement.ID, &models.NewReceiptUpload{ContentType: "text/html"})
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) || invalid.Field != "content_type" {
		t.Fatalf("expected content_type ValidationError, got %v", err)
	}

	if _, err := models.SubmitSettlement(f.ctx, f.settlement.ID); err != nil {
		t.Fatalf("SubmitSettlement: %v", err)
	}
	_, err = models.RequestReceiptUpload(f.ctx, f.settlement.ID, &models.NewReceiptUpload{ContentType: "image/jpeg"})
	var conflict *utils.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("locked settlement: expected ConflictError, got %v", err)
	}
}

func TestReceiptDownloadWithoutImageIsNotFound(t *testing.T) {
	f := newLedgerFixture(t)
	r1 := f.ingest(t, "receipt-1", "Print Shop", 18000)
	_, err := models.GetReceiptDownload(f.ctx, r1.ID)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
