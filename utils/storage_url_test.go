package utils_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/utils"
)

func TestReceiptObjectKey(t *testing.T) {
	key, err := utils.ReceiptObjectKey("org-a", 7, "IMAGE/PNG")
	if err != nil {
		t.Fatalf("ReceiptObjectKey: %v", err)
	}
	if !strings.HasPrefix(key, "org-a/settlements/7/receipts/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected key %q", key)
	}
	if !utils.ObjectBelongsToOrganization(key, "org-a") || utils.ObjectBelongsToOrganization(key, "org-b") {
		t.Fatalf("ownership check failed for %q", key)
	}

	_, err = utils.ReceiptObjectKey("org-a", 7, "application/zip")
	var invalid *utils.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestObjectBelongsToOrganizationRejectsTraversal(t *testing.T) {
	cases := map[string]bool{
		"org-a/settlements/1/receipts/x.jpg":  true,
		"org-a/../org-b/receipts/x.jpg":       false,
		"org-ab/settlements/1/receipts/x.jpg": false,
		"/org-a/settlements/1/receipts/x.jpg": false,
	}
	for key, want := range cases {
		if got := utils.ObjectBelongsToOrganization(key, "org-a"); got != want {
			t.Fatalf("%q: want %v, got %v", key, want, got)
		}
	}
}

func TestExportObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := utils.ExportObjectKey("org-a", 3, at); got != "org-a/settlements/3/exports/settlement-3-20260304T050607Z.xlsx" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestBuildObjectAccessURL(t *testing.T) {
	t.Setenv("STORAGE_ACCESS_BASE_URL", "")
	t.Setenv("GCS_URL", "storage.googleapis.com")
	t.Setenv("GCS_BUCKET", "receipts")
	if got := utils.BuildObjectAccessURL("org-a/x.jpg"); got != "https://storage.googleapis.com/receipts/org-a/x.jpg" {
		t.Fatalf("unexpected url %q", got)
	}
	t.Setenv("STORAGE_ACCESS_BASE_URL", "https://cdn.example.com/files?key={objectKey}")
	if got := utils.BuildObjectAccessURL("org-a/x.jpg"); got != "https://cdn.example.com/files?key=org-a%2Fx.jpg" {
		t.Fatalf("unexpected url %q", got)
	}
}
