package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/repository"
	"github.com/redwall/sentinel/internal/store"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	logs  LogStore
	rules RuleStore
	admin RuleAdmin
	queue Queue
}

// NewServer creates a new Server wired to the log store, rule store, rule
// admin repository, and job queue.
func NewServer(logs LogStore, rules RuleStore, admin RuleAdmin, q Queue) *Server {
	return &Server{logs: logs, rules: rules, admin: admin, queue: q}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- Query API ---------------------------------------------------------

// handleGetEntries responds to GET /api/v1/logs.
//
// Supported query parameters:
//
//	event_type – exact EventType filter (optional)
//	severity   – exact Severity filter (optional)
//	user_id    – exact user ID filter (optional)
//	ip_address – exact IP address filter (optional)
//	from       – RFC3339 start of the created_at window (optional)
//	to         – RFC3339 end of the created_at window (optional)
//	page       – 1-indexed page number (default 1)
//	page_size  – results per page (default 100)
func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		EventType: model.EventType(q.Get("event_type")),
		Severity:  model.Severity(q.Get("severity")),
		UserID:    q.Get("user_id"),
		IPAddress: q.Get("ip_address"),
	}

	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		f.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		f.To = to
	}

	page := store.Page{Page: 1, PageSize: 100}
	if pageStr := q.Get("page"); pageStr != "" {
		n, err := strconv.Atoi(pageStr)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "'page' must be a positive integer")
			return
		}
		page.Page = n
	}
	if sizeStr := q.Get("page_size"); sizeStr != "" {
		n, err := strconv.Atoi(sizeStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'page_size' must be a positive integer")
			return
		}
		page.PageSize = n
	}

	entries, err := s.logs.Find(r.Context(), f, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query log entries")
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGetEntry responds to GET /api/v1/logs/{id}, where id is the entry's
// sequence number.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	seq, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'id' must be a positive integer sequence number")
		return
	}

	entry, err := s.logs.GetEntry(r.Context(), seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch log entry")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "log entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleGetStatistics responds to GET /api/v1/logs/stats.
func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.logs.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- Rule admin API -----------------------------------------------------

// ruleRequest is the JSON body accepted by create_rule and update_rule. All
// fields are pointers/omittable so update_rule can distinguish "not
// provided" from "set to the zero value".
type ruleRequest struct {
	ID            string              `json:"id"`
	Name          *string             `json:"name"`
	Description   *string             `json:"description"`
	Severity      *model.Severity     `json:"severity"`
	ConditionType *model.ConditionType `json:"condition_type"`
	Config        json.RawMessage     `json:"config"`
	Tags          []string            `json:"tags"`
	Status        *model.RuleStatus   `json:"status"`
}

func (req ruleRequest) toDTO() repository.RuleDTO {
	return repository.RuleDTO{
		Name:          req.Name,
		Description:   req.Description,
		Severity:      req.Severity,
		ConditionType: req.ConditionType,
		Config:        []byte(req.Config),
		Tags:          req.Tags,
		Status:        req.Status,
	}
}

// handleCreateRule responds to POST /api/v1/rules.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "'id' is required")
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeError(w, http.StatusBadRequest, "'name' is required")
		return
	}
	if req.Severity == nil {
		writeError(w, http.StatusBadRequest, "'severity' is required")
		return
	}
	if req.ConditionType == nil {
		writeError(w, http.StatusBadRequest, "'condition_type' is required")
		return
	}

	rule, err := s.admin.CreateRule(r.Context(), req.ID, req.toDTO())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// handleListRules responds to GET /api/v1/rules.
//
// Supported query parameters:
//
//	status – filter to a single RuleStatus (optional; omitted returns all)
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	status := model.RuleStatus(r.URL.Query().Get("status"))
	rules, err := s.rules.ListRules(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleGetRule responds to GET /api/v1/rules/{id}.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.rules.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch rule")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule responds to PATCH /api/v1/rules/{id}.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	rule, err := s.admin.UpdateRule(r.Context(), id, req.toDTO())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule responds to DELETE /api/v1/rules/{id}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.DeleteRule(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Ingestion API -------------------------------------------------------

// logEventPayload mirrors the JSON shape internal/writer expects for a
// LOG_EVENT job.
type logEventPayload struct {
	Event model.Event `json:"event"`
}

// batchLogPayload mirrors the JSON shape internal/writer expects for a
// BATCH_LOG job.
type batchLogPayload struct {
	Events []model.Event `json:"events"`
}

// handleIngestEvent responds to POST /api/v1/ingest/events, enqueuing a
// single event as a LOG_EVENT job.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var evt model.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if evt.EventType == "" {
		writeError(w, http.StatusBadRequest, "'event_type' is required")
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	id, err := s.queue.Enqueue(r.Context(), queue.KindLogEvent, logEventPayload{Event: evt}, queue.PriorityNormal, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": id})
}

// handleIngestBatch responds to POST /api/v1/ingest/batch, enqueuing a slice
// of events as a single BATCH_LOG job.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchLogPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "'events' must contain at least one event")
		return
	}
	for i := range req.Events {
		if req.Events[i].EventType == "" {
			writeError(w, http.StatusBadRequest, "every event requires 'event_type'")
			return
		}
		if req.Events[i].Timestamp.IsZero() {
			req.Events[i].Timestamp = time.Now().UTC()
		}
	}

	id, err := s.queue.Enqueue(r.Context(), queue.KindBatchLog, req, queue.PriorityNormal, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": id})
}

// ---- Integrity API -------------------------------------------------------

// verifyRequest is the JSON body accepted by schedule_integrity_check. Both
// fields are optional; an empty body schedules a full-chain verification.
type verifyRequest struct {
	StartSeq *uint64 `json:"start_seq"`
	EndSeq   *uint64 `json:"end_seq"`
}

// handleVerifyIntegrity responds to POST /api/v1/integrity/verify.
func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
	}

	id, err := s.queue.ScheduleIntegrityCheck(r.Context(), req.StartSeq, req.EndSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to schedule integrity check")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": id})
}
