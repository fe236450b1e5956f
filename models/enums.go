package models

type RecognitionStatus string

const (
	RecognitionStatusPending    RecognitionStatus = "pending"
	RecognitionStatusProcessing RecognitionStatus = "processing"
	RecognitionStatusCompleted  RecognitionStatus = "completed"
	RecognitionStatusFailed     RecognitionStatus = "failed"
)

func (s RecognitionStatus) IsValid() bool {
	switch s {
	case RecognitionStatusPending, RecognitionStatusProcessing, RecognitionStatusCompleted, RecognitionStatusFailed:
		return true
	}
	return false
}

// rank orders the lifecycle; both terminal states share the last rank.
func (s RecognitionStatus) rank() int {
	switch s {
	case RecognitionStatusPending:
		return 0
	case RecognitionStatusProcessing:
		return 1
	default:
		return 2
	}
}

func (s RecognitionStatus) IsTerminal() bool {
	return s == RecognitionStatusCompleted || s == RecognitionStatusFailed
}

type LineItemType string

const (
	LineItemTypeIncome  LineItemType = "INCOME"
	LineItemTypeExpense LineItemType = "EXPENSE"
)

type IncomeStatus string

const (
	IncomeStatusPlanned           IncomeStatus = "PLANNED"
	IncomeStatusPartiallyReceived IncomeStatus = "PARTIALLY_RECEIVED"
	IncomeStatusReceived          IncomeStatus = "RECEIVED"
	IncomeStatusOverdue           IncomeStatus = "OVERDUE"
)

type MappedBy string

const (
	MappedByManual     MappedBy = "manual"
	MappedBySuggestion MappedBy = "suggestion"
)

type AuditAction string

const (
	AuditActionCreate  AuditAction = "CREATE"
	AuditActionUpdate  AuditAction = "UPDATE"
	AuditActionDelete  AuditAction = "DELETE"
	AuditActionMap     AuditAction = "MAP"
	AuditActionUnmap   AuditAction = "UNMAP"
	AuditActionApprove AuditAction = "APPROVE"
	AuditActionReject  AuditAction = "REJECT"
)

const (
	EntityTypeSettlement        = "settlement"
	EntityTypeLineItem          = "settlement_line_item"
	EntityTypeRecognitionResult = "recognition_result"
	EntityTypeMapping           = "mapping"
	EntityTypeSuggestion        = "suggestion"
)

type SettlementStatus string

const (
	SettlementStatusDraft       SettlementStatus = "DRAFT"
	SettlementStatusSubmitted   SettlementStatus = "SUBMITTED"
	SettlementStatusUnderReview SettlementStatus = "UNDER_REVIEW"
	SettlementStatusApproved    SettlementStatus = "APPROVED"
	SettlementStatusRejected    SettlementStatus = "REJECTED"
	SettlementStatusFinal       SettlementStatus = "FINAL"
	SettlementStatusArchived    SettlementStatus = "ARCHIVED"
)

// CanBeModified reports whether line items and mappings may still change.
func (s SettlementStatus) CanBeModified() bool {
	return s == SettlementStatusDraft || s == SettlementStatusRejected
}
