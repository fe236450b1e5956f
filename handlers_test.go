package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type apiClient struct {
	t      *testing.T
	router *gin.Engine
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	t.Setenv("LINE_ITEM_REDIS_LOCK", "false")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("REQUIRE_SESSION", "false")

	conn, err := gorm.Open(sqlite.Open(":memory:"), config.InitGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := conn.Use(config.NewTenantGuardPlugin()); err != nil {
		t.Fatalf("tenant guard: %v", err)
	}
	config.SetDB(conn)
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	gin.SetMode(gin.TestMode)
	return &apiClient{t: t, router: newRouter(config.GetLogger())}
}

func (a *apiClient) do(method string, path string, body any, out any) int {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-organization-id", "org-api")
	req.Header.Set("x-actor-id", "treasurer")
	req.Header.Set("x-correlation-id", "corr-api")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestHealthzBypassesReadiness(t *testing.T) {
	config.SetDB(nil)
	gin.SetMode(gin.TestMode)
	router := newRouter(config.GetLogger())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/settlements", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the database is ready, got %d", w.Code)
	}
}

func TestReconciliationFlowOverHTTP(t *testing.T) {
	api := newAPIClient(t)

	var settlement models.Settlement
	if code := api.do(http.MethodPost, "/settlements", map[string]any{"event_name": "Spring Retreat", "title": "Retreat"}, &settlement); code != http.StatusCreated {
		t.Fatalf("create settlement: %d", code)
	}
	base := fmt.Sprintf("/settlements/%d", settlement.ID)

	var item models.SettlementLineItem
	code := api.do(http.MethodPost, base+"/items", map[string]any{
		"type": "EXPENSE", "category": "print", "description": "flyers", "planned_amount": "20000",
	}, &item)
	if code != http.StatusCreated {
		t.Fatalf("create item: %d", code)
	}

	var result models.RecognitionResult
	code = api.do(http.MethodPost, base+"/recognitions", map[string]any{
		"source_receipt_id": "scan-1", "status": "completed", "merchant_name": "Print Shop", "total_amount": "19500",
	}, &result)
	if code != http.StatusOK || result.SettlementId != settlement.ID {
		t.Fatalf("ingest: %d %+v", code, result)
	}

	var suggestions []models.Suggestion
	if code := api.do(http.MethodGet, base+"/suggestions", nil, &suggestions); code != http.StatusOK {
		t.Fatalf("suggestions: %d", code)
	}
	if len(suggestions) != 1 || suggestions[0].ItemId == nil || *suggestions[0].ItemId != item.ID {
		t.Fatalf("unexpected suggestions %+v", suggestions)
	}

	mapping := map[string]any{"recognition_result_id": result.ID, "settlement_line_item_id": item.ID}
	if code := api.do(http.MethodPost, "/mappings", mapping, nil); code != http.StatusCreated {
		t.Fatalf("map: %d", code)
	}
	var conflict map[string]any
	if code := api.do(http.MethodPost, "/mappings", mapping, &conflict); code != http.StatusConflict {
		t.Fatalf("second map: expected 409, got %d", code)
	}
	if conflict["correlation_id"] != "corr-api" || conflict["error"] == "" {
		t.Fatalf("error body should carry the correlation id, got %+v", conflict)
	}

	var summary models.VarianceSummary
	if code := api.do(http.MethodGet, base+"/variance", nil, &summary); code != http.StatusOK {
		t.Fatalf("variance: %d", code)
	}

	path := fmt.Sprintf("/mappings/%d", result.ID)
	if code := api.do(http.MethodDelete, path, nil, nil); code != http.StatusOK {
		t.Fatalf("unmap: %d", code)
	}
	if code := api.do(http.MethodDelete, path, nil, nil); code != http.StatusNotFound {
		t.Fatalf("second unmap: expected 404, got %d", code)
	}

	var entries []models.AuditEntry
	if code := api.do(http.MethodGet, "/audit-entries?entity_type="+models.EntityTypeMapping, nil, &entries); code != http.StatusOK {
		t.Fatalf("audit entries: %d", code)
	}
	if len(entries) != 2 {
		t.Fatalf("expected MAP and UNMAP entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ActorId != "treasurer" || e.CorrelationId != "corr-api" {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	api := newAPIClient(t)

	if code := api.do(http.MethodGet, "/settlements/abc", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", code)
	}
	if code := api.do(http.MethodGet, "/settlements/999", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing settlement: expected 404, got %d", code)
	}
	if code := api.do(http.MethodPost, "/settlements", map[string]any{"event_name": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid settlement: expected 400, got %d", code)
	}
	if code := api.do(http.MethodGet, "/nowhere", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown route: expected 404, got %d", code)
	}
}

func TestPushEndpointSkipsSession(t *testing.T) {
	api := newAPIClient(t)
	t.Setenv("REQUIRE_SESSION", "true")

	req := httptest.NewRequest(http.MethodGet, "/settlements", nil)
	req.Header.Set("x-organization-id", "org-api")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("REST routes need a session, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pubsub/recognition", bytes.NewReader([]byte(`{"message":{"data":"","id":"1"}}`)))
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("push endpoint acks without a session, got %d", w.Code)
	}
}

func TestExportStreamsWorkbook(t *testing.T) {
	api := newAPIClient(t)

	var settlement models.Settlement
	if code := api.do(http.MethodPost, "/settlements", map[string]any{"event_name": "Fair", "title": "Fair"}, &settlement); code != http.StatusCreated {
		t.Fatalf("create settlement: %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/settlements/%d/export", settlement.ID), nil)
	req.Header.Set("x-organization-id", "org-api")
	req.Header.Set("x-actor-id", "treasurer")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}
	// xlsx is a zip archive
	if body := w.Body.Bytes(); len(body) < 4 || string(body[:2]) != "PK" {
		t.Fatalf("body is not an xlsx archive")
	}
}
