package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const rateScale = 4

var (
	hundred        = decimal.NewFromInt(100)
	minDisplayRate = decimal.NewFromInt(-100)
	maxDisplayRate = decimal.NewFromInt(1000)
)

// VarianceFigures are the derived fields of one planned/actual pair.
type VarianceFigures struct {
	VarianceAmount decimal.Decimal  `json:"variance_amount"`
	VarianceRate   *decimal.Decimal `json:"variance_rate"`
	DisplayRate    *decimal.Decimal `json:"display_variance_rate"`
	RateAnomalous  bool             `json:"rate_anomalous"`
}

// ComputeVariance returns actual - planned and the percentage against planned.
// The rate is nil when planned is zero.
func ComputeVariance(planned, actual decimal.Decimal) VarianceFigures {
	figures := VarianceFigures{VarianceAmount: actual.Sub(planned)}
	if planned.IsZero() {
		return figures
	}
	rate := figures.VarianceAmount.Mul(hundred).DivRound(planned, rateScale)
	figures.VarianceRate = &rate
	figures.DisplayRate, figures.RateAnomalous = ClampRate(&rate)
	return figures
}

// ClampRate bounds a rate to [-100, 1000] for display. The stored rate is not touched;
// the second result reports whether clamping happened.
func ClampRate(rate *decimal.Decimal) (*decimal.Decimal, bool) {
	if rate == nil {
		return nil, false
	}
	switch {
	case rate.LessThan(minDisplayRate):
		clamped := minDisplayRate
		return &clamped, true
	case rate.GreaterThan(maxDisplayRate):
		clamped := maxDisplayRate
		return &clamped, true
	}
	display := *rate
	return &display, false
}

// ComputeCompletionRate is min(actual/planned, 1) * 100, nil when planned is zero.
func ComputeCompletionRate(planned, actual decimal.Decimal) *decimal.Decimal {
	if planned.IsZero() {
		return nil
	}
	if actual.GreaterThanOrEqual(planned) {
		full := hundred
		return &full
	}
	rate := actual.Mul(hundred).DivRound(planned, rateScale)
	return &rate
}

// DeriveIncomeStatus re-evaluates an income item's status from its current amounts.
// Every rule is applied unconditionally, so a downward correction can move a
// RECEIVED item back to PARTIALLY_RECEIVED.
func DeriveIncomeStatus(current IncomeStatus, planned, actual decimal.Decimal, expectedDate *time.Time, today time.Time) IncomeStatus {
	completion := ComputeCompletionRate(planned, actual)
	if completion == nil {
		return current
	}
	switch {
	case completion.GreaterThanOrEqual(hundred):
		return IncomeStatusReceived
	case completion.IsPositive():
		return IncomeStatusPartiallyReceived
	case expectedDate != nil && dateOnly(*expectedDate).Before(dateOnly(today)):
		return IncomeStatusOverdue
	}
	return current
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Recompute refreshes every derived field of the item in place.
func (item *SettlementLineItem) Recompute(today time.Time) {
	figures := ComputeVariance(item.PlannedAmount, item.ActualAmount)
	item.VarianceAmount = figures.VarianceAmount
	item.VarianceRate = figures.VarianceRate
	item.DisplayVarianceRate = figures.DisplayRate
	item.RateAnomalous = figures.RateAnomalous

	if item.Type != LineItemTypeIncome {
		item.CompletionRate = nil
		item.IncomeStatus = nil
		return
	}
	item.CompletionRate = ComputeCompletionRate(item.PlannedAmount, item.ActualAmount)
	current := IncomeStatusPlanned
	if item.IncomeStatus != nil {
		current = *item.IncomeStatus
	}
	next := DeriveIncomeStatus(current, item.PlannedAmount, item.ActualAmount, item.ExpectedDate, today)
	item.IncomeStatus = &next
}

type ItemVariance struct {
	ItemId         int              `json:"item_id"`
	Type           LineItemType     `json:"type"`
	Category       string           `json:"category"`
	Description    string           `json:"description"`
	PlannedAmount  decimal.Decimal  `json:"planned_amount"`
	ActualAmount   decimal.Decimal  `json:"actual_amount"`
	CompletionRate *decimal.Decimal `json:"completion_rate,omitempty"`
	IncomeStatus   *IncomeStatus    `json:"income_status,omitempty"`
	VarianceFigures
}

type TypeTotals struct {
	PlannedAmount  decimal.Decimal `json:"planned_amount"`
	ActualAmount   decimal.Decimal `json:"actual_amount"`
	VarianceAmount decimal.Decimal `json:"variance_amount"`
}

type VarianceSummary struct {
	SettlementId        int              `json:"settlement_id"`
	Items               []ItemVariance   `json:"items"`
	TotalPlannedAmount  decimal.Decimal  `json:"total_planned_amount"`
	TotalActualAmount   decimal.Decimal  `json:"total_actual_amount"`
	TotalVarianceAmount decimal.Decimal  `json:"total_variance_amount"`
	TotalVarianceRate   *decimal.Decimal `json:"total_variance_rate"`
	TotalDisplayRate    *decimal.Decimal `json:"total_display_variance_rate"`
	TotalRateAnomalous  bool             `json:"total_rate_anomalous"`
	Income              TypeTotals       `json:"income"`
	Expense             TypeTotals       `json:"expense"`
	NetAmount           decimal.Decimal  `json:"net_amount"`
	AnomalousItemIds    []int            `json:"anomalous_item_ids"`
}

// SummarizeVariance sums the given items from scratch. Stored derived fields
// are ignored, except the income status which depends on history.
func SummarizeVariance(settlementId int, items []*SettlementLineItem) VarianceSummary {
	summary := VarianceSummary{
		SettlementId:     settlementId,
		Items:            make([]ItemVariance, 0, len(items)),
		AnomalousItemIds: []int{},
	}
	for _, item := range items {
		figures := ComputeVariance(item.PlannedAmount, item.ActualAmount)
		row := ItemVariance{
			ItemId:          item.ID,
			Type:            item.Type,
			Category:        item.Category,
			Description:     item.Description,
			PlannedAmount:   item.PlannedAmount,
			ActualAmount:    item.ActualAmount,
			VarianceFigures: figures,
		}
		if item.Type == LineItemTypeIncome {
			row.CompletionRate = ComputeCompletionRate(item.PlannedAmount, item.ActualAmount)
			row.IncomeStatus = item.IncomeStatus
		}
		summary.Items = append(summary.Items, row)
		if figures.RateAnomalous {
			summary.AnomalousItemIds = append(summary.AnomalousItemIds, item.ID)
		}

		summary.TotalPlannedAmount = summary.TotalPlannedAmount.Add(item.PlannedAmount)
		summary.TotalActualAmount = summary.TotalActualAmount.Add(item.ActualAmount)
		totals := &summary.Expense
		if item.Type == LineItemTypeIncome {
			totals = &summary.Income
		}
		totals.PlannedAmount = totals.PlannedAmount.Add(item.PlannedAmount)
		totals.ActualAmount = totals.ActualAmount.Add(item.ActualAmount)
	}
	summary.Income.VarianceAmount = summary.Income.ActualAmount.Sub(summary.Income.PlannedAmount)
	summary.Expense.VarianceAmount = summary.Expense.ActualAmount.Sub(summary.Expense.PlannedAmount)

	total := ComputeVariance(summary.TotalPlannedAmount, summary.TotalActualAmount)
	summary.TotalVarianceAmount = total.VarianceAmount
	summary.TotalVarianceRate = total.VarianceRate
	summary.TotalDisplayRate = total.DisplayRate
	summary.TotalRateAnomalous = total.RateAnomalous
	summary.NetAmount = summary.Income.ActualAmount.Sub(summary.Expense.ActualAmount)
	return summary
}
