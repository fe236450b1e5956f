package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	exportSummarySheet  = "Summary"
	exportItemsSheet    = "Line Items"
	exportReceiptsSheet = "Receipts"
)

// SettlementExport is an archived workbook.
type SettlementExport struct {
	SettlementId int       `json:"settlement_id"`
	ObjectKey    string    `json:"object_key"`
	AccessURL    string    `json:"access_url"`
	GeneratedAt  time.Time `json:"generated_at"`
}

func decimalCell(d *decimal.Decimal) interface{} {
	if d == nil {
		return ""
	}
	return d.InexactFloat64()
}

func writeRow(f *excelize.File, sheet string, row int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// BuildSettlementWorkbook renders the settlement, a fresh variance summary and
// its current receipts into an xlsx workbook.
func BuildSettlementWorkbook(ctx context.Context, settlementId int) (*excelize.File, error) {
	settlement, err := GetSettlement(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	summary, err := GetVarianceSummary(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	results, err := ListRecognitionResults(ctx, settlementId, false)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSummarySheet); err != nil {
		f.Close()
		return nil, err
	}
	for _, sheet := range []string{exportItemsSheet, exportReceiptsSheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			f.Close()
			return nil, err
		}
	}

	summaryRows := [][]interface{}{
		{"Event", settlement.EventName},
		{"Title", settlement.Title},
		{"Status", string(settlement.Status)},
		{"Planned", summary.TotalPlannedAmount.InexactFloat64()},
		{"Actual", summary.TotalActualAmount.InexactFloat64()},
		{"Variance", summary.TotalVarianceAmount.InexactFloat64()},
		{"Variance %", decimalCell(summary.TotalDisplayRate)},
		{"Income", summary.Income.ActualAmount.InexactFloat64()},
		{"Expense", summary.Expense.ActualAmount.InexactFloat64()},
		{"Net", summary.NetAmount.InexactFloat64()},
	}
	for i, values := range summaryRows {
		if err := writeRow(f, exportSummarySheet, i+1, values...); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := writeRow(f, exportItemsSheet, 1, "Type", "Category", "Description", "Planned", "Actual", "Variance", "Variance %", "Completion %", "Income Status"); err != nil {
		f.Close()
		return nil, err
	}
	for i, item := range summary.Items {
		status := ""
		if item.IncomeStatus != nil {
			status = string(*item.IncomeStatus)
		}
		err := writeRow(f, exportItemsSheet, i+2,
			string(item.Type),
			item.Category,
			item.Description,
			item.PlannedAmount.InexactFloat64(),
			item.ActualAmount.InexactFloat64(),
			item.VarianceAmount.InexactFloat64(),
			decimalCell(item.DisplayRate),
			decimalCell(item.CompletionRate),
			status,
		)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := writeRow(f, exportReceiptsSheet, 1, "Receipt", "Revision", "Status", "Merchant", "Date", "Total", "Mapped Item"); err != nil {
		f.Close()
		return nil, err
	}
	for i, r := range results {
		date := ""
		if r.TransactionDate != nil {
			date = r.TransactionDate.Format("2006-01-02")
		}
		var mapped interface{} = ""
		if r.Mapping != nil {
			mapped = r.Mapping.SettlementLineItemId
		}
		err := writeRow(f, exportReceiptsSheet, i+2,
			r.SourceReceiptId,
			r.Revision,
			string(r.Status),
			r.Merchant(),
			date,
			decimalCell(r.TotalAmount),
			mapped,
		)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// ArchiveSettlementExport stores the workbook in the bucket under the
// organization prefix.
func ArchiveSettlementExport(ctx context.Context, settlementId int) (*SettlementExport, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	f, err := BuildSettlementWorkbook(ctx, settlementId)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	objectKey := utils.ExportObjectKey(organizationId, settlementId, now)
	if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), utils.ContentTypeXlsx); err != nil {
		return nil, err
	}
	return &SettlementExport{
		SettlementId: settlementId,
		ObjectKey:    objectKey,
		AccessURL:    utils.BuildObjectAccessURL(objectKey),
		GeneratedAt:  now,
	}, nil
}
