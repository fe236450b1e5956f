package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/settlement_backend/appctx"
)

var (
	ContextKeyToken          = appctx.ContextKeyToken
	ContextKeyOrganizationId = appctx.ContextKeyOrganizationId
	ContextKeyActorId        = appctx.ContextKeyActorId
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
)

// SystemActor is used for mutations that arrive from the recognition pipeline.
const SystemActor = "system:recognition"

func GetOrganizationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOrganizationId)
}

func GetActorIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetOrganizationIdInContext(ctx context.Context, organizationId string) context.Context {
	return appctx.Set(ctx, ContextKeyOrganizationId, organizationId)
}

func SetActorIdInContext(ctx context.Context, actorId string) context.Context {
	return appctx.Set(ctx, ContextKeyActorId, actorId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// RequireOrganizationAndActor returns the tenant and actor every mutation needs.
func RequireOrganizationAndActor(ctx context.Context) (string, string, error) {
	organizationId, ok := GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return "", "", &ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	actorId, ok := GetActorIdFromContext(ctx)
	if !ok || actorId == "" {
		return "", "", &ValidationError{Field: "actor_id", Message: "actor id is required"}
	}
	return organizationId, actorId, nil
}
