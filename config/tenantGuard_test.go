package config

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/settlement_backend/appctx"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type guardedRow struct {
	ID             int
	OrganizationId string
	Name           string
}

func TestTenantGuardScopesQueries(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(":memory:"), InitGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := conn.Use(NewTenantGuardPlugin()); err != nil {
		t.Fatalf("tenant guard: %v", err)
	}
	if err := conn.AutoMigrate(&guardedRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rows := []guardedRow{{OrganizationId: "org-a", Name: "a"}, {OrganizationId: "org-b", Name: "b"}}
	if err := conn.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	tests := []struct {
		name string
		ctx  context.Context
		want int64
	}{
		{"no organization", context.Background(), 2},
		{"organization set", appctx.Set(context.Background(), appctx.ContextKeyOrganizationId, "org-a"), 1},
		{"explicit bypass", appctx.Set(appctx.Set(context.Background(), appctx.ContextKeyOrganizationId, "org-a"), appctx.ContextKeySkipTenantScope, true), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var count int64
			if err := conn.WithContext(tt.ctx).Model(&guardedRow{}).Count(&count).Error; err != nil {
				t.Fatalf("count: %v", err)
			}
			if count != tt.want {
				t.Fatalf("expected %d rows, got %d", tt.want, count)
			}
		})
	}

	ctx := appctx.Set(context.Background(), appctx.ContextKeyOrganizationId, "org-a")
	if err := conn.WithContext(ctx).Model(&guardedRow{}).Where("name IS NOT NULL").Update("name", "renamed").Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	var other guardedRow
	if err := conn.Where("organization_id = ?", "org-b").First(&other).Error; err != nil {
		t.Fatalf("load org-b row: %v", err)
	}
	if other.Name != "b" {
		t.Fatalf("update leaked across tenants: %q", other.Name)
	}
}
