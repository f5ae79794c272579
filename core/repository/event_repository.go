package repository

import (
	"context"
	"database/sql"
	"fmt"

	"inference-orchestrator/core/models"
)

// EventRepository reads the job_events audit trail
type EventRepository struct {
	db *DB
}

func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

func scanEvent(row rowScanner) (models.JobEvent, error) {
	var (
		event      models.JobEvent
		fromStatus sql.NullString
		meta       []byte
	)
	if err := row.Scan(&event.ID, &event.JobID, &event.At, &fromStatus, &event.ToStatus, &event.Reason, &meta); err != nil {
		return event, err
	}
	if fromStatus.Valid {
		status := models.JobStatus(fromStatus.String)
		event.FromStatus = &status
	}
	decoded, err := decodeMeta(meta)
	if err != nil {
		return event, fmt.Errorf("decode event %d meta: %w", event.ID, err)
	}
	event.Meta = decoded
	return event, nil
}

// GetJobEvents returns up to limit events of a job, newest first
func (r *EventRepository) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
