// Package writer implements the Log Writer: a worker pool that drains
// LOG_EVENT and BATCH_LOG jobs from the queue, persists each as a hash-
// chained entry under single-writer discipline, and invokes the Rule Engine
// against a bounded recent-events window. It also implements the narrow
// engine.Writer contract so a matched rule can be persisted as a
// SUSPICIOUS_ACTIVITY entry without the engine depending on this package.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redwall/sentinel/internal/metrics"
	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/store"
)

// RecentEventsWindow bounds how far back the writer looks for a
// RuleContext's RecentEvents.
const RecentEventsWindow = 60 * time.Minute

// RecentEventsCap bounds how many prior entries are handed to a rule,
// regardless of how many fall within RecentEventsWindow.
const RecentEventsCap = 500

// PollInterval is how often an idle worker re-polls the queue when Dequeue
// returns no jobs.
const PollInterval = 250 * time.Millisecond

// Store is the subset of internal/store.Store the writer depends on.
type Store interface {
	Append(ctx context.Context, e store.NewEntry) (model.LogEntry, error)
	Find(ctx context.Context, f store.Filter, p store.Page) ([]model.LogEntry, error)
}

// Queue is the subset of internal/queue.Queue the writer depends on.
type Queue interface {
	Dequeue(ctx context.Context, n int) ([]queue.Job, error)
	Enqueue(ctx context.Context, kind queue.Kind, payload any, priority int, delay time.Duration) (int64, error)
	Ack(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64) error
}

// Engine is the subset of internal/engine.Engine the writer depends on.
type Engine interface {
	Evaluate(ctx context.Context, rc model.RuleContext) []model.RuleEvaluationResult
}

// logEventPayload is the JSON shape of a LOG_EVENT / BATCH_LOG job's
// payload: the event plus re-delivery bookkeeping.
type logEventPayload struct {
	Event   model.Event `json:"event"`
	JobID   int64       `json:"job_id,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
}

// batchLogPayload carries several events enqueued together.
type batchLogPayload struct {
	Events []model.Event `json:"events"`
}

// Writer drains the queue with a fixed-size worker pool, persisting each
// event and invoking the engine.
type Writer struct {
	store   Store
	queue   Queue
	engine  Engine
	logger  *slog.Logger

	workers    int
	maxRetries int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithWorkers sets the worker pool size. Default 1 — single-writer
// discipline is required for the hash chain regardless of pool size; Store
// itself additionally serializes Append calls, so >1 worker is safe but
// gains only concurrency on the pre-append engine evaluation work.
func WithWorkers(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithMaxRetries sets the attempt count at which the writer logs a
// terminal-failure critical entry before handing the job to Queue.Fail (which
// independently marks it failed once its own retry budget is exhausted).
func WithMaxRetries(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.maxRetries = n
		}
	}
}

// New constructs a Writer.
func New(s Store, q Queue, e Engine, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:      s,
		queue:      q,
		engine:     e,
		logger:     logger,
		workers:    1,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker pool. Call Stop to terminate it.
func (w *Writer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop terminates the worker pool and waits for in-flight jobs to finish.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.Dequeue(ctx, 1)
			if err != nil {
				w.logger.Error("dequeue failed", slog.Any("error", err))
				continue
			}
			for _, job := range jobs {
				w.process(ctx, job)
			}
		}
	}
}

// process persists job's event(s) and, for LOG_EVENT jobs, invokes the
// engine. A job that fails is handed to Queue.Fail for retry/terminal
// bookkeeping; a job that cannot even be decoded cannot be usefully
// retried, so it is acked away after a critical log rather than retried
// forever.
func (w *Writer) process(ctx context.Context, job queue.Job) {
	switch job.Kind {
	case queue.KindLogEvent:
		w.processLogEvent(ctx, job)
	case queue.KindBatchLog:
		w.processBatchLog(ctx, job)
	default:
		// CLEANUP and VERIFY_INTEGRITY jobs belong to the archive/cleanup
		// worker, not the log writer; leave them queued for that consumer.
		return
	}
}

func (w *Writer) processLogEvent(ctx context.Context, job queue.Job) {
	var payload logEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed LOG_EVENT payload, discarding",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	entry, err := w.persist(ctx, payload.Event, job)
	if err != nil {
		w.fail(ctx, job)
		return
	}

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		w.logger.Error("failed to ack job", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}

	if payload.Event.EventType == model.EventSuspiciousActivity {
		return
	}
	w.evaluate(ctx, payload.Event, entry)
}

func (w *Writer) processBatchLog(ctx context.Context, job queue.Job) {
	var payload batchLogPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed BATCH_LOG payload, discarding",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	for _, evt := range payload.Events {
		entry, err := w.persist(ctx, evt, job)
		if err != nil {
			w.fail(ctx, job)
			return
		}
		if evt.EventType != model.EventSuspiciousActivity {
			w.evaluate(ctx, evt, entry)
		}
	}

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		w.logger.Error("failed to ack batch job", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
}

// persist enriches evt's metadata with job bookkeeping and appends it to the
// store. Append itself serializes concurrent callers, preserving the
// single-writer hash-chain discipline.
func (w *Writer) persist(ctx context.Context, evt model.Event, job queue.Job) (model.LogEntry, error) {
	meta := make(map[string]any, len(evt.Metadata)+3)
	for k, v := range evt.Metadata {
		meta[k] = v
	}
	meta["job_id"] = job.ID
	meta["attempt"] = job.Attempts
	meta["queued_at"] = job.CreatedAt.UTC().Format(time.RFC3339Nano)
	meta["processed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	entry, err := w.store.Append(ctx, store.NewEntry{
		EventType: evt.EventType,
		Severity:  evt.Severity,
		UserID:    evt.UserID,
		IPAddress: evt.IPAddress,
		UserAgent: evt.UserAgent,
		SessionID: evt.MetaSessionID(),
		Metadata:  meta,
		Message:   evt.Message,
	})
	if err != nil {
		w.logger.Error("failed to persist entry", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return model.LogEntry{}, err
	}
	metrics.RecordLogEntry()
	return entry, nil
}

// evaluate builds a RuleContext from the bounded recent-events window and
// runs the engine. Matches with severity >= HIGH are re-enqueued as a
// SUSPICIOUS_ACTIVITY job; every match is additionally persisted via
// LogSuspiciousActivity as the engine calls back into it directly.
func (w *Writer) evaluate(ctx context.Context, evt model.Event, entry model.LogEntry) {
	if w.engine == nil {
		return
	}

	recent, err := w.store.Find(ctx, store.Filter{From: entry.CreatedAt.Add(-RecentEventsWindow)},
		store.Page{Page: 1, PageSize: RecentEventsCap})
	if err != nil {
		w.logger.Error("failed to load recent events for evaluation", slog.Any("error", err))
		recent = nil
	}

	prior := recent[:0]
	for _, r := range recent {
		if r.SequenceNum < entry.SequenceNum {
			prior = append(prior, r)
		}
	}

	rc := model.RuleContext{Event: evt, RecentEvents: chronological(entriesToEvents(prior))}
	results := w.engine.Evaluate(ctx, rc)

	for _, result := range results {
		if !result.Matched || !result.Severity.AtLeast(model.SeverityHigh) {
			continue
		}
		suspicious := model.Event{
			EventType: model.EventSuspiciousActivity,
			Timestamp: time.Now().UTC(),
			UserID:    evt.UserID,
			IPAddress: evt.IPAddress,
			Severity:  result.Severity,
			Message:   result.Reason,
			Metadata: map[string]any{
				"rule_id":   result.RuleID,
				"rule_name": result.RuleName,
				"score":     result.Score,
				"reason":    result.Reason,
				"evidence":  result.Evidence,
			},
		}
		if _, err := w.queue.Enqueue(ctx, queue.KindLogEvent, logEventPayload{Event: suspicious}, queue.PriorityCritical, 0); err != nil {
			w.logger.Error("failed to enqueue suspicious activity event",
				slog.String("rule_id", result.RuleID), slog.Any("error", err))
		}
	}
}

// LogSuspiciousActivity implements engine.Writer: it persists result as a
// SUSPICIOUS_ACTIVITY entry directly (bypassing the queue — the engine calls
// this synchronously from within Evaluate, and the chain's single-writer
// discipline is enforced by Store.Append itself).
func (w *Writer) LogSuspiciousActivity(ctx context.Context, source model.Event, result model.RuleEvaluationResult) error {
	if !result.Matched {
		return nil
	}
	_, err := w.store.Append(ctx, store.NewEntry{
		EventType: model.EventSuspiciousActivity,
		Severity:  result.Severity,
		UserID:    source.UserID,
		IPAddress: source.IPAddress,
		UserAgent: source.UserAgent,
		SessionID: source.MetaSessionID(),
		Message:   result.Reason,
		Metadata: map[string]any{
			"rule_id":           result.RuleID,
			"rule_name":         result.RuleName,
			"score":             result.Score,
			"evidence":          result.Evidence,
			"suggested_actions": result.SuggestedActions.Slice(),
		},
	})
	if err != nil {
		return fmt.Errorf("writer: log suspicious activity: %w", err)
	}
	return nil
}

// fail hands job to Queue.Fail, logging a critical entry first if this is
// the job's last retry attempt.
func (w *Writer) fail(ctx context.Context, job queue.Job) {
	if job.Attempts+1 >= w.maxRetries {
		w.logger.Error("job exhausted retries, preserving for diagnosis",
			slog.Int64("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.Int("attempts", job.Attempts+1))
	}
	if err := w.queue.Fail(ctx, job.ID); err != nil {
		w.logger.Error("failed to record job failure", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
}

// chronological reverses evts in place: Store.Find returns newest-first, but
// RuleContext.RecentEvents is documented as chronologically ordered.
func chronological(evts []model.Event) []model.Event {
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts
}

func entriesToEvents(entries []model.LogEntry) []model.Event {
	out := make([]model.Event, 0, len(entries))
	for _, e := range entries {
		var meta map[string]any
		if len(e.Metadata) > 0 {
			_ = json.Unmarshal(e.Metadata, &meta)
		}
		out = append(out, model.Event{
			EventType: e.EventType,
			Timestamp: e.CreatedAt,
			UserID:    e.UserID,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			SessionID: e.SessionID,
			Metadata:  meta,
			Severity:  e.Severity,
			Message:   e.Message,
		})
	}
	return out
}
