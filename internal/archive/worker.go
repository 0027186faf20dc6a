package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/store"
)

// PollInterval is how often an idle Worker re-polls the queue for CLEANUP
// and VERIFY_INTEGRITY jobs. Maintenance work is not latency-sensitive, so
// this is coarser than the Log Writer's poll interval.
const PollInterval = 2 * time.Second

// WorkerStore is the subset of internal/store.Store the Worker depends on,
// beyond what Archive/Cleanup/VerifyChain already require: Count resolves
// the current sequence upper bound for a full-chain VERIFY_INTEGRITY job
// that specifies no explicit end_seq.
type WorkerStore interface {
	Store
	Count(ctx context.Context, f store.Filter) (int64, error)
}

// WorkerQueue is the subset of internal/queue.Queue the Worker depends on.
type WorkerQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.Job, error)
	Ack(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64) error
}

// Worker drains CLEANUP and VERIFY_INTEGRITY jobs from the queue and
// dispatches them to Archive/Cleanup/VerifyChain. It mirrors
// internal/writer.Writer's poll-dequeue-process loop, but for the
// maintenance job kinds the Log Writer deliberately leaves queued.
type Worker struct {
	store      WorkerStore
	queue      WorkerQueue
	archiveDir string
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs a Worker that archives into archiveDir.
func NewWorker(st WorkerStore, q WorkerQueue, archiveDir string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, queue: q, archiveDir: archiveDir, logger: logger}
}

// Start launches the poll loop. Call Stop to terminate it.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
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
				w.logger.Error("maintenance dequeue failed", slog.Any("error", err))
				continue
			}
			for _, job := range jobs {
				w.process(ctx, job)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) {
	switch job.Kind {
	case queue.KindCleanup:
		w.processCleanup(ctx, job)
	case queue.KindVerifyIntegrity:
		w.processVerify(ctx, job)
	default:
		// LOG_EVENT and BATCH_LOG belong to the Log Writer, not this worker.
		return
	}
}

func (w *Worker) processCleanup(ctx context.Context, job queue.Job) {
	var payload queue.CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed CLEANUP payload, discarding", slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -payload.DaysToKeep)

	result, err := Archive(ctx, w.store, cutoff, w.archiveDir)
	if err != nil {
		w.logger.Error("archive failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Fail(ctx, job.ID)
		return
	}
	if result.Total == 0 {
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	deleted, err := Cleanup(ctx, w.store, cutoff, result.Path)
	if err != nil {
		w.logger.Error("cleanup failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Fail(ctx, job.ID)
		return
	}

	w.logger.Info("retention cleanup complete",
		slog.Int("archived", result.Total), slog.Int64("deleted", deleted), slog.String("archive", result.Path))
	_ = w.queue.Ack(ctx, job.ID)
}

func (w *Worker) processVerify(ctx context.Context, job queue.Job) {
	var payload queue.VerifyIntegrityPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed VERIFY_INTEGRITY payload, discarding", slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	start := uint64(1)
	if payload.StartSeq != nil {
		start = *payload.StartSeq
	}

	end := payload.EndSeq
	var endSeq uint64
	if end != nil {
		endSeq = *end
	} else {
		total, err := w.store.Count(ctx, store.Filter{})
		if err != nil {
			w.logger.Error("failed to resolve chain end", slog.Int64("job_id", job.ID), slog.Any("error", err))
			_ = w.queue.Fail(ctx, job.ID)
			return
		}
		endSeq = uint64(total)
	}

	if endSeq == 0 {
		_ = w.queue.Ack(ctx, job.ID)
		return
	}

	report, err := VerifyChain(ctx, w.store, start, endSeq)
	if err != nil {
		w.logger.Error("chain verification failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		_ = w.queue.Fail(ctx, job.ID)
		return
	}
	if !report.OK {
		w.logger.Error("chain integrity broken",
			slog.Uint64("broken_at_seq", report.BrokenAtSeq), slog.String("kind", string(report.Kind)), slog.String("detail", report.Error))
	} else {
		w.logger.Info("chain integrity verified", slog.Int("entries_checked", report.EntriesChecked))
	}
	_ = w.queue.Ack(ctx, job.ID)
}
