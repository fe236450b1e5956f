package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ContentTypeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// receipt images the recognition step accepts
var receiptContentTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"application/pdf": ".pdf",
}

func BuildObjectAccessURL(objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		return "https://" + gcsURL + "/" + gcsBucket + "/" + objectKey
	}

	return objectKey
}

// ReceiptObjectKey returns a fresh object key for a receipt image of the
// settlement. Unsupported content types are a ValidationError.
func ReceiptObjectKey(organizationId string, settlementId int, contentType string) (string, error) {
	ext, ok := receiptContentTypes[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", &ValidationError{Field: "content_type", Message: fmt.Sprintf("unsupported receipt type %q", contentType)}
	}
	return path.Join(organizationId, "settlements", fmt.Sprint(settlementId), "receipts", uuid.NewString()+ext), nil
}

// ExportObjectKey names an archived settlement workbook.
func ExportObjectKey(organizationId string, settlementId int, at time.Time) string {
	name := fmt.Sprintf("settlement-%d-%s.xlsx", settlementId, at.UTC().Format("20060102T150405Z"))
	return path.Join(organizationId, "settlements", fmt.Sprint(settlementId), "exports", name)
}

// ObjectBelongsToOrganization rejects keys outside the organization prefix
// and path traversal.
func ObjectBelongsToOrganization(objectKey string, organizationId string) bool {
	if organizationId == "" || strings.Contains(objectKey, "..") {
		return false
	}
	return strings.HasPrefix(objectKey, organizationId+"/")
}
