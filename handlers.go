package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

func registerRoutes(api *gin.RouterGroup) {
	api.POST("/settlements", createSettlementHandler())
	api.GET("/settlements", listSettlementsHandler())
	api.GET("/settlements/:id", getSettlementHandler())
	api.POST("/settlements/:id/submit", settlementTransitionHandler(models.SubmitSettlement))
	api.POST("/settlements/:id/review", settlementTransitionHandler(models.ReviewSettlement))
	api.POST("/settlements/:id/approve", settlementTransitionHandler(models.ApproveSettlement))
	api.POST("/settlements/:id/reject", rejectSettlementHandler())
	api.POST("/settlements/:id/finalize", settlementTransitionHandler(models.FinalizeSettlement))
	api.POST("/settlements/:id/reopen", settlementTransitionHandler(models.ReopenSettlement))

	api.POST("/settlements/:id/items", createLineItemHandler())
	api.GET("/settlements/:id/items", listLineItemsHandler())
	api.GET("/items/:id", getLineItemHandler())
	api.PUT("/items/:id", updateLineItemHandler())
	api.DELETE("/items/:id", deleteLineItemHandler())

	api.POST("/settlements/:id/recognitions", ingestRecognitionHandler())
	api.GET("/settlements/:id/recognitions", listRecognitionsHandler())
	api.GET("/recognitions/:id", getRecognitionHandler())
	api.POST("/recognitions/:id/corrections", correctRecognitionHandler())
	api.DELETE("/recognitions/:id", deleteRecognitionHandler())

	api.GET("/settlements/:id/suggestions", suggestionsHandler())
	api.GET("/settlements/:id/duplicates", duplicatesHandler())
	api.GET("/settlements/:id/mappings", listMappingsHandler())
	api.POST("/mappings", createMappingHandler())
	api.DELETE("/mappings/:recognitionResultId", deleteMappingHandler())
	api.POST("/suggestions/accept", acceptSuggestionHandler())
	api.POST("/suggestions/reject", rejectSuggestionHandler())

	api.GET("/settlements/:id/variance", varianceHandler())
	api.POST("/settlements/:id/drift-checks", driftChecksHandler())
	api.GET("/audit-entries", auditEntriesHandler())

	api.POST("/settlements/:id/receipt-uploads", receiptUploadHandler())
	api.GET("/recognitions/:id/receipt", receiptDownloadHandler())
	api.GET("/settlements/:id/export", exportSettlementHandler())
	api.POST("/settlements/:id/export", archiveSettlementHandler())
}

// respondError maps domain errors to a status code and logs the failure with
// its correlation and trace ids.
func respondError(c *gin.Context, funcName string, err error) {
	ctx := c.Request.Context()
	cid, _ := utils.GetCorrelationIdFromContext(ctx)

	status := http.StatusInternalServerError
	var invalid *utils.ValidationError
	var conflict *utils.ConflictError
	var auditErr *utils.AuditWriteFailure
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.Is(err, utils.ErrorRecordNotFound):
		status = http.StatusNotFound
	case errors.As(err, &auditErr):
		status = http.StatusInternalServerError
	}

	logger := config.GetLogger()
	entry := logger.WithFields(logrus.Fields{
		"module":         "handlers.go",
		"funcName":       funcName,
		"status":         status,
		"correlation_id": cid,
	})
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		entry = entry.WithField("trace_id", sc.TraceID().String())
	}
	if status >= http.StatusInternalServerError {
		entry.Error(err.Error())
	} else {
		entry.Info(err.Error())
	}

	c.JSON(status, gin.H{"error": err.Error(), "correlation_id": cid})
}

func parseId(c *gin.Context, param string) (int, bool) {
	id, err := strconv.Atoi(c.Param(param))
	if err != nil || id <= 0 {
		respondError(c, "parseId", &utils.ValidationError{Field: param, Message: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, funcName string, input any) bool {
	if err := c.ShouldBindJSON(input); err != nil {
		respondError(c, funcName, &utils.ValidationError{Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func strictDatesParam(c *gin.Context) bool {
	v := strings.TrimSpace(c.Query("strict"))
	if v == "" {
		return config.StrictDuplicateDates()
	}
	strict, err := strconv.ParseBool(v)
	return err == nil && strict
}

/* settlements */

func createSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSettlement
		if !bindJSON(c, "createSettlementHandler", &input) {
			return
		}
		settlement, err := models.CreateSettlement(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "createSettlementHandler", err)
			return
		}
		c.JSON(http.StatusCreated, settlement)
	}
}

func listSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.SettlementStatus
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			s := models.SettlementStatus(strings.ToUpper(v))
			status = &s
		}
		settlements, err := models.ListSettlements(c.Request.Context(), status)
		if err != nil {
			respondError(c, "listSettlementsHandler", err)
			return
		}
		c.JSON(http.StatusOK, settlements)
	}
}

func getSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		settlement, err := models.GetSettlement(c.Request.Context(), id)
		if err != nil {
			respondError(c, "getSettlementHandler", err)
			return
		}
		c.JSON(http.StatusOK, settlement)
	}
}

type settlementTransition func(ctx context.Context, id int) (*models.Settlement, error)

func settlementTransitionHandler(transition settlementTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		settlement, err := transition(c.Request.Context(), id)
		if err != nil {
			respondError(c, "settlementTransitionHandler", err)
			return
		}
		c.JSON(http.StatusOK, settlement)
	}
}

type rejectSettlementRequest struct {
	Reason string `json:"reason"`
}

func rejectSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		var req rejectSettlementRequest
		if !bindJSON(c, "rejectSettlementHandler", &req) {
			return
		}
		settlement, err := models.RejectSettlement(c.Request.Context(), id, req.Reason)
		if err != nil {
			respondError(c, "rejectSettlementHandler", err)
			return
		}
		c.JSON(http.StatusOK, settlement)
	}
}

/* line items */

func createLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		var input models.NewSettlementLineItem
		if !bindJSON(c, "createLineItemHandler", &input) {
			return
		}
		item, err := models.CreateSettlementLineItem(c.Request.Context(), settlementId, &input)
		if err != nil {
			respondError(c, "createLineItemHandler", err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func listLineItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		items, err := models.ListSettlementLineItems(c.Request.Context(), settlementId)
		if err != nil {
			respondError(c, "listLineItemsHandler", err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func getLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		item, err := models.GetSettlementLineItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, "getLineItemHandler", err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func updateLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		var input models.SettlementLineItemUpdate
		if !bindJSON(c, "updateLineItemHandler", &input) {
			return
		}
		item, err := models.UpdateSettlementLineItem(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, "updateLineItemHandler", err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func deleteLineItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		item, err := models.DeleteSettlementLineItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, "deleteLineItemHandler", err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

/* recognition results */

func ingestRecognitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		var input models.NewRecognitionResult
		if !bindJSON(c, "ingestRecognitionHandler", &input) {
			return
		}
		input.SettlementId = settlementId
		result, err := models.IngestRecognitionResult(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "ingestRecognitionHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func listRecognitionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		includeSuperseded, _ := strconv.ParseBool(c.Query("include_superseded"))
		results, err := models.ListRecognitionResults(c.Request.Context(), settlementId, includeSuperseded)
		if err != nil {
			respondError(c, "listRecognitionsHandler", err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func getRecognitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		result, err := models.GetRecognitionResult(c.Request.Context(), id)
		if err != nil {
			respondError(c, "getRecognitionHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func correctRecognitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		var input models.RecognitionCorrection
		if !bindJSON(c, "correctRecognitionHandler", &input) {
			return
		}
		result, err := models.CorrectRecognitionResult(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, "correctRecognitionHandler", err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func deleteRecognitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		result, err := models.DeleteRecognitionResult(c.Request.Context(), id)
		if err != nil {
			respondError(c, "deleteRecognitionHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

/* reconciliation */

func suggestionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		suggestions, err := models.GetSuggestions(c.Request.Context(), settlementId, strictDatesParam(c))
		if err != nil {
			respondError(c, "suggestionsHandler", err)
			return
		}
		c.JSON(http.StatusOK, suggestions)
	}
}

func duplicatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		report, err := models.GetDuplicates(c.Request.Context(), settlementId, strictDatesParam(c))
		if err != nil {
			respondError(c, "duplicatesHandler", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func listMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		mappings, err := models.ListMappings(c.Request.Context(), settlementId)
		if err != nil {
			respondError(c, "listMappingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, mappings)
	}
}

func createMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewMapping
		if !bindJSON(c, "createMappingHandler", &input) {
			return
		}
		mapping, err := models.MapRecognitionResult(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "createMappingHandler", err)
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

func deleteMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resultId, ok := parseId(c, "recognitionResultId")
		if !ok {
			return
		}
		mapping, err := models.UnmapRecognitionResult(c.Request.Context(), resultId)
		if err != nil {
			respondError(c, "deleteMappingHandler", err)
			return
		}
		c.JSON(http.StatusOK, mapping)
	}
}

func acceptSuggestionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.SuggestionDecision
		if !bindJSON(c, "acceptSuggestionHandler", &input) {
			return
		}
		mapping, err := models.AcceptSuggestion(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "acceptSuggestionHandler", err)
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

func rejectSuggestionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.SuggestionDecision
		if !bindJSON(c, "rejectSuggestionHandler", &input) {
			return
		}
		entry, err := models.RejectSuggestion(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "rejectSuggestionHandler", err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func varianceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		summary, err := models.GetVarianceSummary(c.Request.Context(), settlementId)
		if err != nil {
			respondError(c, "varianceHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func auditEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.AuditFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			respondError(c, "auditEntriesHandler", &utils.ValidationError{Message: "invalid query: " + err.Error()})
			return
		}
		entries, err := models.ListAuditEntries(c.Request.Context(), filter)
		if err != nil {
			respondError(c, "auditEntriesHandler", err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

/* receipts and exports */

func receiptUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		var input models.NewReceiptUpload
		if !bindJSON(c, "receiptUploadHandler", &input) {
			return
		}
		upload, err := models.RequestReceiptUpload(c.Request.Context(), settlementId, &input)
		if err != nil {
			respondError(c, "receiptUploadHandler", err)
			return
		}
		c.JSON(http.StatusCreated, upload)
	}
}

func receiptDownloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseId(c, "id")
		if !ok {
			return
		}
		download, err := models.GetReceiptDownload(c.Request.Context(), id)
		if err != nil {
			respondError(c, "receiptDownloadHandler", err)
			return
		}
		c.JSON(http.StatusOK, download)
	}
}

func exportSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		book, err := models.BuildSettlementWorkbook(c.Request.Context(), settlementId)
		if err != nil {
			respondError(c, "exportSettlementHandler", err)
			return
		}
		defer book.Close()

		c.Header("Content-Type", utils.ContentTypeXlsx)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=settlement-%d.xlsx", settlementId))
		c.Status(http.StatusOK)
		if err := book.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}

func archiveSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		export, err := models.ArchiveSettlementExport(c.Request.Context(), settlementId)
		if err != nil {
			respondError(c, "archiveSettlementHandler", err)
			return
		}
		c.JSON(http.StatusCreated, export)
	}
}

func driftChecksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementId, ok := parseId(c, "id")
		if !ok {
			return
		}
		reports, err := models.RunDriftChecks(c.Request.Context(), settlementId, time.Now().UTC())
		if err != nil {
			respondError(c, "driftChecksHandler", err)
			return
		}
		if reports == nil {
			reports = []*models.ReconciliationReport{}
		}
		c.JSON(http.StatusOK, reports)
	}
}
