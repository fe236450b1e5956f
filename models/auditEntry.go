package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrAuditImmutable = errors.New("audit entries are append-only")

type AuditEntry struct {
	ID             int            `gorm:"primary_key" json:"id"`
	OrganizationId string         `gorm:"size:64;index;not null" json:"organization_id"`
	EntityType     string         `gorm:"size:40;index:idx_audit_entity;not null" json:"entity_type"`
	EntityId       int            `gorm:"index:idx_audit_entity;not null" json:"entity_id"`
	ActionType     AuditAction    `gorm:"size:10;not null" json:"action_type"`
	ActorId        string         `gorm:"size:100;index;not null" json:"actor_id"`
	BeforeSnapshot datatypes.JSON `json:"before_snapshot"`
	AfterSnapshot  datatypes.JSON `json:"after_snapshot"`
	Description    string         `gorm:"type:text" json:"description"`
	CorrelationId  string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// AuditRecord is what a mutation hands to RecordAudit.
type AuditRecord struct {
	EntityType  string
	EntityId    int
	Action      AuditAction
	Before      interface{}
	After       interface{}
	Description string
}

// RecordAudit appends one entry inside the caller's transaction. Actor,
// organization and correlation id come from the transaction's context.
// Any failure is an AuditWriteFailure and the caller must roll back.
func RecordAudit(tx *gorm.DB, rec AuditRecord) (*AuditEntry, error) {
	fail := func(err error) (*AuditEntry, error) {
		return nil, &utils.AuditWriteFailure{EntityType: rec.EntityType, EntityId: rec.EntityId, Action: string(rec.Action), Err: err}
	}

	ctx := tx.Statement.Context
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return fail(errors.New("organization id is required"))
	}
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == "" {
		return fail(errors.New("actor id is required"))
	}

	before, err := utils.Snapshot(rec.Before)
	if err != nil {
		return fail(err)
	}
	after, err := utils.Snapshot(rec.After)
	if err != nil {
		return fail(err)
	}

	entry := AuditEntry{
		OrganizationId: organizationId,
		EntityType:     rec.EntityType,
		EntityId:       rec.EntityId,
		ActionType:     rec.Action,
		ActorId:        actorId,
		BeforeSnapshot: before,
		AfterSnapshot:  after,
		Description:    rec.Description,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fail(err)
	}
	return &entry, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

type AuditFilter struct {
	EntityType *string      `form:"entity_type"`
	EntityId   *int         `form:"entity_id"`
	ActionType *AuditAction `form:"action_type"`
	ActorId    *string      `form:"actor_id"`
	Limit      int          `form:"limit"`
}

// ListAuditEntries returns the organization's trail, newest first.
func ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, &utils.ValidationError{Field: "organization_id", Message: "organization id is required"}
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if filter.EntityType != nil && *filter.EntityType != "" {
		dbCtx = dbCtx.Where("entity_type = ?", *filter.EntityType)
	}
	if filter.EntityId != nil && *filter.EntityId > 0 {
		dbCtx = dbCtx.Where("entity_id = ?", *filter.EntityId)
	}
	if filter.ActionType != nil && *filter.ActionType != "" {
		dbCtx = dbCtx.Where("action_type = ?", *filter.ActionType)
	}
	if filter.ActorId != nil && *filter.ActorId != "" {
		dbCtx = dbCtx.Where("actor_id = ?", *filter.ActorId)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var results []*AuditEntry
	err := dbCtx.Order("id DESC").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
