package utils

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"gorm.io/gorm"
)

// ModelChangeLocker is implemented by models whose owning document can be locked.
type ModelChangeLocker interface {
	CheckChangeLock(context.Context) error
}

/* DB fetching */

// fetch model from db
// (organization_id is used in query's WHERE, may return NotFoundError)
func FetchModel[T any](ctx context.Context, organizationId string, entityType string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), organizationId, entityType, id, associations...)
}

// same as FetchModel, inside the caller's transaction
func FetchModelTx[T any](tx *gorm.DB, organizationId string, entityType string, id int, associations ...string) (*T, error) {
	dbCtx := tx.Where("organization_id = ?", organizationId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFound(entityType, id, "fetch")
		}
		return nil, err
	}
	return &result, nil
}

// fetch model and check if its owning document still accepts changes
func FetchModelForChange[T ModelChangeLocker](ctx context.Context, organizationId string, entityType string, id int, associations ...string) (*T, error) {
	result, err := FetchModel[T](ctx, organizationId, entityType, id, associations...)
	if err != nil {
		return nil, err
	}
	if err := (*result).CheckChangeLock(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
