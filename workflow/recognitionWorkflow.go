package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/sirupsen/logrus"
)

var ErrMalformedMessage = errors.New("malformed recognition message")

// RecognitionMessage is the payload the recognition producer publishes for
// every status change of a scanned receipt.
type RecognitionMessage struct {
	OrganizationId string `json:"organization_id"`
	CorrelationId  string `json:"correlation_id,omitempty"`
	models.NewRecognitionResult
}

// DecodeRecognitionMessage parses and sanity-checks a raw payload.
// Field-level validation happens at ingest.
func DecodeRecognitionMessage(data []byte) (*RecognitionMessage, error) {
	var msg RecognitionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg.OrganizationId = strings.TrimSpace(msg.OrganizationId)
	if msg.OrganizationId == "" {
		return nil, fmt.Errorf("%w: organization_id required", ErrMalformedMessage)
	}
	if strings.TrimSpace(msg.SourceReceiptId) == "" {
		return nil, fmt.Errorf("%w: source_receipt_id required", ErrMalformedMessage)
	}
	return &msg, nil
}

// IsPermanent reports whether redelivering the message can never succeed.
// Those messages are acked and logged instead of retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var invalid *utils.ValidationError
	var conflict *utils.ConflictError
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, utils.ErrorRecordNotFound) ||
		errors.As(err, &invalid) ||
		errors.As(err, &conflict)
}

// ProcessRecognitionMessage ingests one message on behalf of the recognition
// system. fallbackCorrelationId is used when the payload carries none.
func ProcessRecognitionMessage(ctx context.Context, logger *logrus.Logger, msg *RecognitionMessage, fallbackCorrelationId string) (*models.RecognitionResult, error) {
	correlationId := msg.CorrelationId
	if correlationId == "" {
		correlationId = fallbackCorrelationId
	}
	ctx = utils.SetOrganizationIdInContext(ctx, msg.OrganizationId)
	ctx = utils.SetActorIdInContext(ctx, utils.SystemActor)
	if correlationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	}

	release := utils.ObtainBestEffortLock(ctx, fmt.Sprintf("recognition:%s:%s", msg.OrganizationId, msg.SourceReceiptId), 30*time.Second, "ProcessRecognitionMessage")
	defer release()

	result, err := models.IngestRecognitionResult(ctx, &msg.NewRecognitionResult)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field":             "ProcessRecognitionMessage",
			"organization_id":   msg.OrganizationId,
			"settlement_id":     msg.SettlementId,
			"source_receipt_id": msg.SourceReceiptId,
			"status":            msg.Status,
			"correlation_id":    correlationId,
			"permanent":         IsPermanent(err),
		}).Error(err.Error())
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"field":             "ProcessRecognitionMessage",
		"organization_id":   msg.OrganizationId,
		"recognition_id":    result.ID,
		"source_receipt_id": result.SourceReceiptId,
		"status":            result.Status,
		"correlation_id":    correlationId,
	}).Info("recognition result ingested")
	return result, nil
}
