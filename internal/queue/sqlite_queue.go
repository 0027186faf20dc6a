// Package queue provides a WAL-mode SQLite-backed durable job queue for the
// security-event pipeline. It replaces a single alert-delivery payload with
// four job kinds (LOG_EVENT, BATCH_LOG, CLEANUP, VERIFY_INTEGRITY), each
// carrying a JSON payload, a priority lane, a run_at time for delay and
// backoff scheduling, and an attempts counter.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// producers (the ingestion API) and a single consumer pool (the Log Writer)
// can proceed without blocking each other.
//
// # Priority and ordering
//
// Jobs are dequeued in ascending priority order (0 = highest), and within a
// priority FIFO by default. EnqueueCritical inserts at priority 0 with a
// negative lifo_rank so it is returned ahead of other priority-0 jobs
// already waiting — a LIFO lane for events that cannot wait behind a backlog.
//
// # Retry and backoff
//
// A job that fails is rescheduled with run_at advanced by an exponential
// backoff computed via cenkalti/backoff/v4 (2s initial interval), and its
// attempts counter incremented. After max_retries failed attempts the job is
// marked failed and retained for inspection rather than deleted.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/redwall/sentinel/internal/metrics"
)

// Kind identifies the job payload's shape and the Log Writer's handling path.
type Kind string

const (
	KindLogEvent        Kind = "LOG_EVENT"
	KindBatchLog        Kind = "BATCH_LOG"
	KindCleanup         Kind = "CLEANUP"
	KindVerifyIntegrity Kind = "VERIFY_INTEGRITY"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// PriorityCritical is the highest-urgency lane; EnqueueCritical uses it.
const PriorityCritical = 0

// PriorityElevated is used for VERIFY_INTEGRITY jobs per spec.
const PriorityElevated = 2

// PriorityNormal is the default lane for ordinary LOG_EVENT/BATCH_LOG/CLEANUP jobs.
const PriorityNormal = 5

// Job is one row of the queue, as returned by Dequeue.
type Job struct {
	ID        int64
	Kind      Kind
	Payload   json.RawMessage
	Priority  int
	Attempts  int
	RunAt     time.Time
	CreatedAt time.Time
}

// Queue is a WAL-mode SQLite-backed implementation of a durable job queue.
// It is safe for concurrent use.
type Queue struct {
	db          *sql.DB
	maxRetries  int
	lifoCounter atomic.Int64

	waiting   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Options configures New.
type Options struct {
	// MaxRetries is the number of failed attempts, the first one included,
	// after which a job is marked failed. Zero selects the default of 3.
	MaxRetries int
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func New(path string, opts Options) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single-connection pool
	// serializes every caller through it rather than racing for the
	// database lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	q := &Queue{db: db, maxRetries: maxRetries}

	if err := q.seedCounters(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS job_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT    NOT NULL,
    payload      TEXT    NOT NULL DEFAULT '{}',
    priority     INTEGER NOT NULL DEFAULT 5,
    lifo_rank    INTEGER NOT NULL DEFAULT 0,
    attempts     INTEGER NOT NULL DEFAULT 0,
    run_at       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    created_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    status       TEXT    NOT NULL DEFAULT 'waiting'
);
CREATE INDEX IF NOT EXISTS idx_job_queue_dequeue
    ON job_queue (status, run_at, priority, lifo_rank);
`

func (q *Queue) seedCounters() error {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return fmt.Errorf("queue: seed counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("queue: seed counters scan: %w", err)
		}
		switch Status(status) {
		case StatusWaiting:
			q.waiting.Store(n)
		case StatusActive:
			q.active.Store(n)
		case StatusDone:
			q.completed.Store(n)
		case StatusFailed:
			q.failed.Store(n)
		}
	}
	return rows.Err()
}

// Enqueue persists a job with the given kind, payload, priority, and delay
// (zero delay runs as soon as a consumer is free).
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, priority int, delay time.Duration) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal payload: %w", err)
	}
	runAt := time.Now().UTC().Add(delay)

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO job_queue (kind, payload, priority, lifo_rank, run_at)
		VALUES (?, ?, ?, 0, ?)`,
		string(kind), string(body), priority, runAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue last insert id: %w", err)
	}
	q.waiting.Add(1)
	return id, nil
}

// EnqueueCritical enqueues a LOG_EVENT job at priority 0 ordered LIFO: it is
// dequeued ahead of other priority-0 jobs already waiting, so a burst of
// critical events is handled most-recent-first rather than getting stuck
// behind an earlier backlog.
func (q *Queue) EnqueueCritical(ctx context.Context, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal critical payload: %w", err)
	}
	rank := q.lifoCounter.Add(-1) // decreasing rank sorts most-recent-first
	runAt := time.Now().UTC()

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO job_queue (kind, payload, priority, lifo_rank, run_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(KindLogEvent), string(body), PriorityCritical, rank, runAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue critical: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue critical last insert id: %w", err)
	}
	q.waiting.Add(1)
	return id, nil
}

// Dequeue claims up to n jobs whose run_at has elapsed, ordered by priority
// ascending then lifo_rank ascending (so LIFO-critical jobs surface first
// within priority 0), and marks them active. It does not delete them; call
// Ack or Fail with the returned IDs.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, priority, attempts, run_at, created_at
		FROM   job_queue
		WHERE  status = 'waiting' AND run_at <= ?
		ORDER  BY priority ASC, lifo_rank ASC, id ASC
		LIMIT  ?`, now, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}

	var jobs []Job
	var ids []int64
	for rows.Next() {
		var j Job
		var kind, payload, runAt, createdAt string
		if err := rows.Scan(&j.ID, &kind, &payload, &j.Priority, &j.Attempts, &runAt, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		j.Kind = Kind(kind)
		j.Payload = json.RawMessage(payload)
		j.RunAt, _ = time.Parse(time.RFC3339Nano, runAt)
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	closeErr := rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("queue: dequeue rows close: %w", closeErr)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := q.markActive(ctx, ids); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *Queue) markActive(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx, `UPDATE job_queue SET status = 'active' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("queue: mark active %d: %w", id, err)
		}
	}
	q.waiting.Add(-int64(len(ids)))
	q.active.Add(int64(len(ids)))
	return nil
}

// Ack marks a successfully processed job done. Completed jobs are removed
// per spec ("completed jobs removed"); only failed jobs are retained for
// inspection.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ? AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("queue: ack %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.active.Add(-1)
		q.completed.Add(1)
	}
	return nil
}

// Fail records a failed attempt at job id. If attempts remain under
// max_retries, the job is rescheduled at an exponentially backed-off run_at
// and returned to the waiting state. Otherwise it is marked failed and
// retained for inspection.
func (q *Queue) Fail(ctx context.Context, id int64) error {
	var attempts int
	var kind Kind
	if err := q.db.QueryRowContext(ctx, `SELECT attempts, kind FROM job_queue WHERE id = ?`, id).Scan(&attempts, &kind); err != nil {
		return fmt.Errorf("queue: fail lookup %d: %w", id, err)
	}
	attempts++

	if attempts >= q.maxRetries {
		if _, err := q.db.ExecContext(ctx, `
			UPDATE job_queue SET status = 'failed', attempts = ? WHERE id = ?`, attempts, id); err != nil {
			return fmt.Errorf("queue: mark failed %d: %w", id, err)
		}
		q.active.Add(-1)
		q.failed.Add(1)
		metrics.RecordQueueJobFailed(string(kind))
		return nil
	}

	delay := backoffDelay(attempts)
	runAt := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE job_queue SET status = 'waiting', attempts = ?, run_at = ? WHERE id = ?`, attempts, runAt, id); err != nil {
		return fmt.Errorf("queue: reschedule %d: %w", id, err)
	}
	q.active.Add(-1)
	q.waiting.Add(1)
	return nil
}

// backoffDelay computes the exponential retry delay for the given attempt
// count (1-indexed) using a 2s initial interval, per spec.
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// CleanupPayload carries a CLEANUP job's retention window.
type CleanupPayload struct {
	DaysToKeep int `json:"days_to_keep"`
}

// ScheduleCleanup enqueues a CLEANUP job to run at delay from now (the
// caller computes delay as "time until next 02:00" for the daily schedule).
func (q *Queue) ScheduleCleanup(ctx context.Context, daysToKeep int, delay time.Duration) (int64, error) {
	return q.Enqueue(ctx, KindCleanup, CleanupPayload{DaysToKeep: daysToKeep}, PriorityNormal, delay)
}

// VerifyIntegrityPayload carries an optional sequence range; a nil range
// means "verify the whole chain".
type VerifyIntegrityPayload struct {
	StartSeq *uint64 `json:"start_seq,omitempty"`
	EndSeq   *uint64 `json:"end_seq,omitempty"`
}

// ScheduleIntegrityCheck enqueues a VERIFY_INTEGRITY job at elevated priority.
func (q *Queue) ScheduleIntegrityCheck(ctx context.Context, startSeq, endSeq *uint64) (int64, error) {
	return q.Enqueue(ctx, KindVerifyIntegrity, VerifyIntegrityPayload{StartSeq: startSeq, EndSeq: endSeq}, PriorityElevated, 0)
}

// GetWaitingCount returns the number of jobs waiting to be claimed.
func (q *Queue) GetWaitingCount() int64 { return q.waiting.Load() }

// GetActiveCount returns the number of jobs currently claimed by a consumer.
func (q *Queue) GetActiveCount() int64 { return q.active.Load() }

// GetCompletedCount returns the lifetime count of acknowledged jobs.
func (q *Queue) GetCompletedCount() int64 { return q.completed.Load() }

// GetFailedCount returns the number of jobs that exhausted their retries.
func (q *Queue) GetFailedCount() int64 { return q.failed.Load() }

// GetDelayedCount queries the number of waiting jobs whose run_at is still
// in the future (scheduled but not yet eligible for Dequeue).
func (q *Queue) GetDelayedCount(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE status = 'waiting' AND run_at > ?`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: delayed count: %w", err)
	}
	return n, nil
}

// DepthByKind returns the number of waiting jobs for each job kind. Callers
// (typically a periodic background tick) feed this into the queue_depth
// gauge rather than recomputing it on every Enqueue/Dequeue, since depth is
// read far less often than it changes.
func (q *Queue) DepthByKind(ctx context.Context) (map[Kind]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM job_queue WHERE status = 'waiting' GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("queue: depth by kind: %w", err)
	}
	defer rows.Close()

	depths := make(map[Kind]int64)
	for rows.Next() {
		var kind Kind
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("queue: depth by kind scan: %w", err)
		}
		depths[kind] = n
	}
	return depths, rows.Err()
}

// ReportDepthMetrics queries DepthByKind and publishes the result to the
// queue_depth gauge, zeroing any of the four known kinds that currently have
// no waiting jobs so a drained kind doesn't linger at a stale non-zero value.
func (q *Queue) ReportDepthMetrics(ctx context.Context) error {
	depths, err := q.DepthByKind(ctx)
	if err != nil {
		return err
	}
	for _, kind := range []Kind{KindLogEvent, KindBatchLog, KindCleanup, KindVerifyIntegrity} {
		metrics.SetQueueDepth(string(kind), float64(depths[kind]))
	}
	return nil
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
