package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inference-orchestrator/core/models"

	"github.com/google/uuid"
)

// PreprocessingRepository handles database operations for preprocessing jobs
type PreprocessingRepository struct {
	db *DB
}

// NewPreprocessingRepository creates a new preprocessing repository
func NewPreprocessingRepository(db *DB) *PreprocessingRepository {
	return &PreprocessingRepository{db: db}
}

// CreateJob inserts a PENDING preprocessing job
func (r *PreprocessingRepository) CreateJob(ctx context.Context, job *models.PreprocessingJob) error {
	id := uuid.New()
	now := time.Now()
	job.Status = models.PreprocessingPending

	query := `
		INSERT INTO preprocessing_jobs (id, dataset_id, status, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, id, job.DatasetID, job.Status, now); err != nil {
		return mapError(err)
	}

	job.ID = id.String()
	job.CreatedAt = now
	return nil
}

// GetJob retrieves a preprocessing job with its dataset path
func (r *PreprocessingRepository) GetJob(ctx context.Context, id string) (*models.PreprocessingJob, error) {
	query := `
		SELECT p.id, p.dataset_id, p.status, p.created_at, p.started_at, p.finished_at,
			p.log, p.result_path, p.error_message, d.file_path
		FROM preprocessing_jobs p
		JOIN datasets d ON d.id = p.dataset_id
		WHERE p.id = $1
	`

	var job models.PreprocessingJob
	var startedAt, finishedAt sql.NullTime
	var resultPath, errorMessage sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.Log,
		&resultPath,
		&errorMessage,
		&job.DatasetPath,
	)
	if err != nil {
		return nil, mapError(err)
	}

	job.StartedAt = nullTime(&startedAt)
	job.FinishedAt = nullTime(&finishedAt)
	job.ResultPath = resultPath.String
	job.ErrorMessage = errorMessage.String
	return &job, nil
}

// SaveJob writes the mutable columns of a preprocessing job. A finished
// job is never rewritten.
func (r *PreprocessingRepository) SaveJob(ctx context.Context, job *models.PreprocessingJob) error {
	query := `
		UPDATE preprocessing_jobs
		SET status = $1, started_at = $2, finished_at = $3, log = $4, result_path = $5, error_message = $6
		WHERE id = $7 AND status NOT IN ($8, $9)
	`
	result, err := r.db.ExecContext(ctx, query,
		job.Status,
		job.StartedAt,
		job.FinishedAt,
		job.Log,
		nullString(job.ResultPath),
		nullString(job.ErrorMessage),
		job.ID,
		models.PreprocessingSuccess,
		models.PreprocessingFailed,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var current models.PreprocessingStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM preprocessing_jobs WHERE id = $1`, job.ID).Scan(&current)
	if err != nil {
		return mapError(err)
	}
	return fmt.Errorf("%w: preprocessing job %s is %s", ErrTerminalState, job.ID, current)
}
