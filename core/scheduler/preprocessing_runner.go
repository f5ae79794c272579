package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-orchestrator/core/executor"
	"inference-orchestrator/core/models"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"
)

// PreprocessingStore loads and persists preprocessing jobs
type PreprocessingStore interface {
	GetJob(ctx context.Context, id string) (*models.PreprocessingJob, error)
	SaveJob(ctx context.Context, job *models.PreprocessingJob) error
}

// Cleaner produces a cleaned copy of a dataset
type Cleaner interface {
	Run(ctx context.Context, jobID, datasetPath string) (*executor.PreprocessResult, error)
}

// PreprocessingRunner executes preprocessing jobs delivered by the queue
type PreprocessingRunner struct {
	jobs     PreprocessingStore
	cleaner  Cleaner
	observer JobObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewPreprocessingRunner creates a preprocessing runner. observer may be nil.
func NewPreprocessingRunner(jobs PreprocessingStore, cleaner Cleaner, observer JobObserver, logger *slog.Logger) *PreprocessingRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreprocessingRunner{
		jobs:     jobs,
		cleaner:  cleaner,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle adapts Run to a queue handler. Transient failures are left
// RUNNING and redelivered until the last attempt.
func (r *PreprocessingRunner) Handle(ctx context.Context, msg queue.Message) error {
	return r.run(ctx, msg)
}

// Run processes a job in a single attempt
func (r *PreprocessingRunner) Run(ctx context.Context, jobID string) error {
	return r.run(ctx, queue.Message{Kind: queue.KindPreprocessing, JobID: jobID})
}

// run marks the job RUNNING, cleans the dataset and stores the outcome
func (r *PreprocessingRunner) run(ctx context.Context, msg queue.Message) error {
	ctx = context.WithoutCancel(ctx)
	jobID := msg.JobID
	start := r.now()
	logger := r.logger.With("job_id", jobID, "attempt", msg.Attempt)

	job, err := r.jobs.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("preprocessing job %s: %w", jobID, err))
	}
	if err != nil {
		return fmt.Errorf("load preprocessing job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	started := r.now()
	job.Status = models.PreprocessingRunning
	job.StartedAt = &started
	if err := r.jobs.SaveJob(ctx, job); err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("mark preprocessing job %s running: %w", jobID, err)
	}

	res, runErr := r.cleaner.Run(ctx, job.ID, job.DatasetPath)

	if runErr != nil && !msg.Final() && executor.Retryable(runErr) {
		job.Log = appendLog(job.Log, fmt.Sprintf("attempt %d failed: %v", msg.Attempt, runErr))
		logger.Warn("preprocessing attempt failed, will retry", "kind", executor.KindOf(runErr), "err", runErr)
		if err := r.jobs.SaveJob(ctx, job); err != nil && !errors.Is(err, repository.ErrTerminalState) {
			return fmt.Errorf("persist preprocessing job %s: %w", jobID, err)
		}
		return fmt.Errorf("preprocessing job %s: %w", jobID, runErr)
	}

	finished := r.now()
	job.FinishedAt = &finished
	if runErr != nil {
		job.Status = models.PreprocessingFailed
		job.ErrorMessage = runErr.Error()
		job.Log = appendLog(job.Log, "error: "+runErr.Error())
		logger.Error("preprocessing failed", "kind", executor.KindOf(runErr), "err", runErr)
	} else {
		job.Status = models.PreprocessingSuccess
		job.ResultPath = res.ResultPath
		job.Log = appendLog(job.Log, fmt.Sprintf("processed %d rows", res.RowsOut))
		logger.Info("preprocessing finished", "rows", res.RowsOut, "dropped", res.RowsDropped, "result_path", res.ResultPath)
	}

	if err := r.jobs.SaveJob(ctx, job); err != nil && !errors.Is(err, repository.ErrTerminalState) {
		return fmt.Errorf("persist preprocessing job %s: %w", jobID, err)
	}
	if r.observer != nil {
		r.observer.ObserveJob(queue.KindPreprocessing, string(job.Status), r.now().Sub(start))
	}
	if runErr != nil {
		return queue.Permanent(runErr)
	}
	return nil
}

func appendLog(log, line string) string {
	if log == "" {
		return line
	}
	return log + "\n" + line
}
