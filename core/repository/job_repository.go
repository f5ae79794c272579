package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inference-orchestrator/core/models"

	"github.com/google/uuid"
)

// Fields accepted by SaveJob
const (
	FieldStatus       = "status"
	FieldMetrics      = "metrics"
	FieldOutputPath   = "output_path"
	FieldErrorMessage = "error_message"
	FieldCompletedAt  = "completed_at"
)

// JobRepository handles database operations for analysis jobs
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a PENDING job and its creation event
func (r *JobRepository) CreateJob(ctx context.Context, job *models.AnalysisJob) error {
	jobID := uuid.New()
	if job.ID != "" {
		var err error
		jobID, err = uuid.Parse(job.ID)
		if err != nil {
			return err
		}
	}
	if len(job.Parameters) == 0 {
		job.Parameters = json.RawMessage(`{}`)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	query := `
		INSERT INTO analysis_jobs (id, model_id, dataset_id, parameters, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.ExecContext(ctx, query,
		jobID,
		job.ModelID,
		job.DatasetID,
		[]byte(job.Parameters),
		job.Status,
		now,
		now,
	)
	if err != nil {
		return mapError(err)
	}

	if err := createJobEventTx(ctx, tx, jobID.String(), nil, job.Status, "job_created", nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	job.ID = jobID.String()
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

const jobColumns = `
	j.id, j.model_id, j.dataset_id, j.parameters, j.status, j.metrics, j.output_path,
	j.error_message, j.created_at, j.updated_at, j.completed_at,
	m.file_path, m.framework, d.file_path
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	var parameters []byte
	var metrics []byte
	var outputPath sql.NullString
	var errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.ModelID,
		&job.DatasetID,
		&parameters,
		&job.Status,
		&metrics,
		&outputPath,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
		&job.ModelPath,
		&job.Framework,
		&job.DatasetPath,
	)
	if err != nil {
		return nil, err
	}

	job.Parameters = json.RawMessage(parameters)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &job.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of job %s: %w", job.ID, err)
		}
	}
	job.OutputPath = outputPath.String
	job.ErrorMessage = errorMessage.String
	job.CompletedAt = nullTime(&completedAt)
	return &job, nil
}

// GetJob retrieves a job with its model and dataset paths resolved
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.AnalysisJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM analysis_jobs j
		JOIN ml_models m ON m.id = j.model_id
		JOIN datasets d ON d.id = j.dataset_id
		WHERE j.id = $1
	`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return job, nil
}

// SaveJob writes the named fields of job. The row is locked for the
// duration, a finished job never changes status, and every status change
// is recorded as an event.
func (r *JobRepository) SaveJob(ctx context.Context, job *models.AnalysisJob, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM analysis_jobs WHERE id = $1 FOR UPDATE`, job.ID).Scan(&current)
	if err != nil {
		return mapError(err)
	}

	statusChanged := false
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	for _, field := range fields {
		var value any
		switch field {
		case FieldStatus:
			if current.IsTerminal() && job.Status != current {
				return fmt.Errorf("%w: job %s is %s", ErrTerminalState, job.ID, current)
			}
			statusChanged = job.Status != current
			value = job.Status
		case FieldMetrics:
			if job.Metrics == nil {
				value = nil
			} else {
				raw, err := json.Marshal(job.Metrics)
				if err != nil {
					return fmt.Errorf("encode metrics: %w", err)
				}
				value = raw
			}
		case FieldOutputPath:
			value = nullString(job.OutputPath)
		case FieldErrorMessage:
			value = nullString(job.ErrorMessage)
		case FieldCompletedAt:
			value = job.CompletedAt
		default:
			return fmt.Errorf("unknown job field %q", field)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", field, len(args)))
	}
	args = append(args, job.ID)
	query := fmt.Sprintf(`UPDATE analysis_jobs SET %s, updated_at = NOW() WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if statusChanged {
		var meta map[string]interface{}
		if job.ErrorMessage != "" {
			meta = map[string]interface{}{"error": job.ErrorMessage}
		}
		reason := "job_" + strings.ToLower(string(job.Status))
		if err := createJobEventTx(ctx, tx, job.ID, &current, job.Status, reason, meta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	return nil
}

// CreateJobEvent records an event outside of a status change
func (r *JobRepository) CreateJobEvent(ctx context.Context, jobID string, fromStatus *models.JobStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createJobEventTx(ctx, tx, jobID, fromStatus, toStatus, reason, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func createJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, fromStatus *models.JobStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO job_events (job_id, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encode event meta: %w", err)
	}

	_, err = tx.ExecContext(ctx, query, jobID, fromStatusStr, toStatus, reason, metaJSON)
	return mapError(err)
}

// ListJobs lists jobs, newest first, optionally filtered by status
func (r *JobRepository) ListJobs(ctx context.Context, status *models.JobStatus, limit int) ([]*models.AnalysisJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM analysis_jobs j
		JOIN ml_models m ON m.id = j.model_id
		JOIN datasets d ON d.id = j.dataset_id
	`
	args := []interface{}{}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" WHERE j.status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY j.created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListStalePending returns ids of jobs still PENDING that were created
// before cutoff
func (r *JobRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM analysis_jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, models.JobStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
