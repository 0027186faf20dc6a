package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/repository"
	"github.com/redwall/sentinel/internal/store"
)

// ---- test doubles --------------------------------------------------------

type mockLogStore struct {
	entries   []model.LogEntry
	entriesErr error
	entry     *model.LogEntry
	entryErr  error
	stats     store.Statistics
	statsErr  error
}

func (m *mockLogStore) Find(_ context.Context, _ store.Filter, _ store.Page) ([]model.LogEntry, error) {
	return m.entries, m.entriesErr
}

func (m *mockLogStore) GetEntry(_ context.Context, _ uint64) (*model.LogEntry, error) {
	return m.entry, m.entryErr
}

func (m *mockLogStore) Statistics(_ context.Context) (store.Statistics, error) {
	return m.stats, m.statsErr
}

type mockRuleStore struct {
	rules    []model.Rule
	rulesErr error
	rule     *model.Rule
	ruleErr  error
}

func (m *mockRuleStore) ListRules(_ context.Context, _ model.RuleStatus) ([]model.Rule, error) {
	return m.rules, m.rulesErr
}

func (m *mockRuleStore) GetRule(_ context.Context, _ string) (*model.Rule, error) {
	return m.rule, m.ruleErr
}

type mockRuleAdmin struct {
	createdID  string
	createdDTO repository.RuleDTO
	createErr  error
	updatedID  string
	updatedDTO repository.RuleDTO
	updateErr  error
	deletedID  string
	deleteErr  error
	result     model.Rule
}

func (m *mockRuleAdmin) CreateRule(_ context.Context, id string, dto repository.RuleDTO) (model.Rule, error) {
	m.createdID, m.createdDTO = id, dto
	return m.result, m.createErr
}

func (m *mockRuleAdmin) UpdateRule(_ context.Context, id string, dto repository.RuleDTO) (model.Rule, error) {
	m.updatedID, m.updatedDTO = id, dto
	return m.result, m.updateErr
}

func (m *mockRuleAdmin) DeleteRule(_ context.Context, id string) error {
	m.deletedID = id
	return m.deleteErr
}

type mockQueue struct {
	enqueuedKind    queue.Kind
	enqueuedPayload any
	enqueueErr      error
	verifyStart     *uint64
	verifyEnd       *uint64
	verifyErr       error
}

func (m *mockQueue) Enqueue(_ context.Context, kind queue.Kind, payload any, _ int, _ time.Duration) (int64, error) {
	m.enqueuedKind, m.enqueuedPayload = kind, payload
	return 42, m.enqueueErr
}

func (m *mockQueue) ScheduleIntegrityCheck(_ context.Context, startSeq, endSeq *uint64) (int64, error) {
	m.verifyStart, m.verifyEnd = startSeq, endSeq
	return 7, m.verifyErr
}

func newTestServer(logs *mockLogStore, rules *mockRuleStore, admin *mockRuleAdmin, q *mockQueue) http.Handler {
	srv := NewServer(logs, rules, admin, q)
	return NewRouter(srv, nil)
}

// ---- /healthz -------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/logs -------------------------------------------------------

func TestHandleGetEntries_ValidRequest_Returns200(t *testing.T) {
	logs := &mockLogStore{entries: []model.LogEntry{{SequenceNum: 1, EventType: model.EventLoginSuccess}}}
	h := newTestServer(logs, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var entries []model.LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestHandleGetEntries_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []model.LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty array, got %v", entries)
	}
}

func TestHandleGetEntries_InvalidFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs?from=not-a-time", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEntries_InvalidPage_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs?page=0", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- GET /api/v1/logs/{id} --------------------------------------------------

func TestHandleGetEntry_Found_Returns200(t *testing.T) {
	entry := &model.LogEntry{SequenceNum: 5, EventType: model.EventLoginFailed}
	h := newTestServer(&mockLogStore{entry: entry}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/5", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetEntry_NotFound_Returns404(t *testing.T) {
	h := newTestServer(&mockLogStore{entry: nil}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetEntry_NonNumericID_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- GET /api/v1/logs/stats -------------------------------------------------

func TestHandleGetStatistics_Returns200(t *testing.T) {
	stats := store.Statistics{Total: 10, BySeverity: map[model.Severity]int64{model.SeverityHigh: 2}}
	h := newTestServer(&mockLogStore{stats: stats}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got store.Statistics
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if got.Total != 10 {
		t.Errorf("expected total=10, got %d", got.Total)
	}
}

// ---- POST /api/v1/rules ------------------------------------------------------

func TestHandleCreateRule_Valid_Returns201(t *testing.T) {
	admin := &mockRuleAdmin{result: model.Rule{ID: "r1", Status: model.RuleStatusTesting}}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, admin, &mockQueue{})

	body := `{"id":"r1","name":"brute force","severity":"HIGH","condition_type":"THRESHOLD","config":{"max_attempts":5}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body)
	}
	if admin.createdID != "r1" {
		t.Errorf("expected CreateRule called with id=r1, got %q", admin.createdID)
	}
}

func TestHandleCreateRule_MissingName_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	body := `{"id":"r1","severity":"HIGH","condition_type":"THRESHOLD"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateRule_RepositoryError_Returns400(t *testing.T) {
	admin := &mockRuleAdmin{createErr: errors.New("boom")}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, admin, &mockQueue{})

	body := `{"id":"r1","name":"x","severity":"HIGH","condition_type":"THRESHOLD"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- GET /api/v1/rules -------------------------------------------------------

func TestHandleListRules_Returns200WithArray(t *testing.T) {
	rules := &mockRuleStore{rules: []model.Rule{{ID: "r1"}, {ID: "r2"}}}
	h := newTestServer(&mockLogStore{}, rules, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []model.Rule
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(got))
	}
}

// ---- GET /api/v1/rules/{id} --------------------------------------------------

func TestHandleGetRule_NotFound_Returns404(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{rule: nil}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- PATCH /api/v1/rules/{id} ------------------------------------------------

func TestHandleUpdateRule_Valid_Returns200(t *testing.T) {
	admin := &mockRuleAdmin{result: model.Rule{ID: "r1", Version: "1.0.1"}}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, admin, &mockQueue{})

	body := `{"name":"updated name"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/rules/r1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if admin.updatedID != "r1" {
		t.Errorf("expected UpdateRule called with id=r1, got %q", admin.updatedID)
	}
}

// ---- DELETE /api/v1/rules/{id} -----------------------------------------------

func TestHandleDeleteRule_Valid_Returns204(t *testing.T) {
	admin := &mockRuleAdmin{}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, admin, &mockQueue{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/rules/r1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if admin.deletedID != "r1" {
		t.Errorf("expected DeleteRule called with id=r1, got %q", admin.deletedID)
	}
}

// ---- POST /api/v1/ingest/events ----------------------------------------------

func TestHandleIngestEvent_Valid_Returns202(t *testing.T) {
	q := &mockQueue{}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, q)

	body := `{"event_type":"LOGIN_SUCCESS","user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", rec.Code, rec.Body)
	}
	if q.enqueuedKind != queue.KindLogEvent {
		t.Errorf("expected KindLogEvent, got %v", q.enqueuedKind)
	}
}

func TestHandleIngestEvent_MissingEventType_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/events", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- POST /api/v1/ingest/batch -----------------------------------------------

func TestHandleIngestBatch_Valid_Returns202(t *testing.T) {
	q := &mockQueue{}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, q)

	body := `{"events":[{"event_type":"LOGIN_FAILED"},{"event_type":"LOGIN_SUCCESS"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", rec.Code, rec.Body)
	}
	if q.enqueuedKind != queue.KindBatchLog {
		t.Errorf("expected KindBatchLog, got %v", q.enqueuedKind)
	}
}

func TestHandleIngestBatch_EmptyEvents_Returns400(t *testing.T) {
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, &mockQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/batch", strings.NewReader(`{"events":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- POST /api/v1/integrity/verify -------------------------------------------

func TestHandleVerifyIntegrity_EmptyBody_SchedulesFullCheck(t *testing.T) {
	q := &mockQueue{}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, q)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/integrity/verify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", rec.Code, rec.Body)
	}
	if q.verifyStart != nil || q.verifyEnd != nil {
		t.Errorf("expected nil start/end for full check, got %v/%v", q.verifyStart, q.verifyEnd)
	}
}

func TestHandleVerifyIntegrity_WithRange_PassesBounds(t *testing.T) {
	q := &mockQueue{}
	h := newTestServer(&mockLogStore{}, &mockRuleStore{}, &mockRuleAdmin{}, q)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/integrity/verify", strings.NewReader(`{"start_seq":1,"end_seq":100}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", rec.Code, rec.Body)
	}
	if q.verifyStart == nil || *q.verifyStart != 1 {
		t.Errorf("expected start_seq=1, got %v", q.verifyStart)
	}
	if q.verifyEnd == nil || *q.verifyEnd != 100 {
		t.Errorf("expected end_seq=100, got %v", q.verifyEnd)
	}
}
