package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-orchestrator/core/breaker"
	"inference-orchestrator/core/executor"
	"inference-orchestrator/core/models"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"
)

// CircuitOpenMessage is stored on jobs rejected by an open breaker
const CircuitOpenMessage = "service temporarily unavailable (circuit open)"

// JobStore loads and persists analysis jobs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.AnalysisJob, error)
	SaveJob(ctx context.Context, job *models.AnalysisJob, fields ...string) error
}

// Executor runs one inference
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// ResultPublisher records a finished output
type ResultPublisher interface {
	Publish(ctx context.Context, jobID, outputPath string, metrics map[string]interface{}) error
}

// JobObserver records finished jobs
type JobObserver interface {
	ObserveJob(kind, status string, elapsed time.Duration)
}

var terminalFields = []string{
	repository.FieldStatus,
	repository.FieldMetrics,
	repository.FieldOutputPath,
	repository.FieldErrorMessage,
	repository.FieldCompletedAt,
}

// TaskRunner executes analysis jobs delivered by the queue
type TaskRunner struct {
	jobs     JobStore
	executor Executor
	breaker  *breaker.Breaker
	results  ResultPublisher
	observer JobObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewTaskRunner creates a task runner. results and observer may be nil.
func NewTaskRunner(jobs JobStore, exec Executor, br *breaker.Breaker, results ResultPublisher, observer JobObserver, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{
		jobs:     jobs,
		executor: exec,
		breaker:  br,
		results:  results,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle adapts Run to a queue handler
func (r *TaskRunner) Handle(ctx context.Context, msg queue.Message) error {
	return r.Run(ctx, msg.JobID)
}

// Run loads the job, executes it through the breaker and persists exactly
// one terminal outcome. Errors that happen before an outcome is stored are
// returned as retryable; once the job is FAILURE the error is permanent.
// Cancelling ctx does not interrupt a dispatched job.
func (r *TaskRunner) Run(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	start := r.now()
	logger := r.logger.With("job_id", jobID)

	job, err := r.jobs.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("analysis job %s: %w", jobID, err))
	}
	if err != nil {
		return fmt.Errorf("load analysis job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	vector, err := inputVector(job.Parameters)
	if err != nil {
		if perr := r.fail(ctx, job, err.Error()); perr != nil {
			return perr
		}
		r.observe(job, start)
		return queue.Permanent(err)
	}

	req := executor.Request{
		ModelPath:   job.ModelPath,
		Framework:   job.Framework,
		DatasetPath: job.DatasetPath,
		Parameters:  map[string]any{executor.InputsKey: vector},
		JobID:       job.ID,
	}

	var result *executor.Result
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := r.executor.Execute(ctx, req)
		result = res
		return err
	})

	// a breaker fallback can answer for an open circuit without a result
	if err == nil && result == nil {
		err = breaker.ErrCircuitOpen
	}

	switch {
	case err == nil:
		if perr := r.succeed(ctx, job, result); perr != nil {
			return perr
		}
		logger.Info("analysis finished", "output_path", result.OutputPath)
		r.publish(ctx, job, result)
	case errors.Is(err, breaker.ErrCircuitOpen):
		logger.Warn("analysis rejected, circuit open")
		if perr := r.fail(ctx, job, CircuitOpenMessage); perr != nil {
			return perr
		}
	default:
		logger.Error("analysis failed", "kind", executor.KindOf(err), "err", err)
		if perr := r.fail(ctx, job, err.Error()); perr != nil {
			return perr
		}
		r.observe(job, start)
		return queue.Permanent(err)
	}

	r.observe(job, start)
	return nil
}

// inputVector checks that parameters is an object holding the input matrix
func inputVector(raw json.RawMessage) ([][]float64, error) {
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil || params == nil {
		return nil, fmt.Errorf("parameters must be an object")
	}
	v, ok := params[models.VectorKey]
	if !ok {
		return nil, fmt.Errorf("parameters has no %s", models.VectorKey)
	}
	vector, err := executor.InputMatrix(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", models.VectorKey, err)
	}
	return vector, nil
}

func (r *TaskRunner) succeed(ctx context.Context, job *models.AnalysisJob, res *executor.Result) error {
	completed := r.now()
	job.Status = models.JobStatusSuccess
	job.Metrics = res.Metrics
	job.OutputPath = res.OutputPath
	job.ErrorMessage = ""
	job.CompletedAt = &completed
	return r.save(ctx, job)
}

func (r *TaskRunner) fail(ctx context.Context, job *models.AnalysisJob, msg string) error {
	completed := r.now()
	job.Status = models.JobStatusFailure
	job.Metrics = nil
	job.OutputPath = ""
	job.ErrorMessage = msg
	job.CompletedAt = &completed
	return r.save(ctx, job)
}

func (r *TaskRunner) save(ctx context.Context, job *models.AnalysisJob) error {
	err := r.jobs.SaveJob(ctx, job, terminalFields...)
	if errors.Is(err, repository.ErrTerminalState) {
		// another delivery finished the job first; its outcome stands
		r.logger.Warn("job finished concurrently, outcome discarded", "job_id", job.ID, "status", job.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist analysis job %s: %w", job.ID, err)
	}
	return nil
}

func (r *TaskRunner) publish(ctx context.Context, job *models.AnalysisJob, res *executor.Result) {
	if r.results == nil {
		return
	}
	if err := r.results.Publish(ctx, job.ID, res.OutputPath, res.Metrics); err != nil {
		r.logger.Warn("failed to record output artifact", "job_id", job.ID, "err", err)
	}
}

func (r *TaskRunner) observe(job *models.AnalysisJob, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveJob(queue.KindAnalysis, string(job.Status), r.now().Sub(start))
	}
}
