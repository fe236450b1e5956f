package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/utils"
)

const (
	receiptUploadExpiry   = 15 * time.Minute
	receiptDownloadExpiry = 10 * time.Minute
)

type NewReceiptUpload struct {
	ContentType string `json:"content_type" validate:"required,max=100"`
}

type ReceiptDownload struct {
	RecognitionResultId int       `json:"recognition_result_id"`
	ObjectKey           string    `json:"object_key"`
	URL                 string    `json:"url"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// RequestReceiptUpload signs a direct upload of one receipt image. The
// returned object key is what the recognition producer later sends back.
func RequestReceiptUpload(ctx context.Context, settlementId int, input *NewReceiptUpload) (*utils.SignedUpload, error) {
	organizationId, _, err := utils.RequireOrganizationAndActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if _, err := utils.FetchModelForChange[Settlement](ctx, organizationId, EntityTypeSettlement, settlementId); err != nil {
		return nil, err
	}
	objectKey, err := utils.ReceiptObjectKey(organizationId, settlementId, input.ContentType)
	if err != nil {
		return nil, err
	}
	return utils.SignUpload(ctx, objectKey, input.ContentType, receiptUploadExpiry)
}

// GetReceiptDownload signs a short-lived link to the image behind a result.
func GetReceiptDownload(ctx context.Context, resultId int) (*ReceiptDownload, error) {
	result, err := GetRecognitionResult(ctx, resultId)
	if err != nil {
		return nil, err
	}
	if result.ReceiptObjectKey == nil {
		return nil, utils.NewNotFound(EntityTypeRecognitionResult, resultId, "download receipt")
	}
	objectKey := *result.ReceiptObjectKey
	exists, err := utils.ObjectExistsInGCS(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, utils.NewNotFound(EntityTypeRecognitionResult, resultId, "download receipt")
	}
	url, expiresAt, err := utils.SignDownload(ctx, objectKey, receiptDownloadExpiry)
	if err != nil {
		return nil, err
	}
	return &ReceiptDownload{
		RecognitionResultId: resultId,
		ObjectKey:           objectKey,
		URL:                 url,
		ExpiresAt:           expiresAt,
	}, nil
}
