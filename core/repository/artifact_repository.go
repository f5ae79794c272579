package repository

import (
	"context"
	"fmt"

	"inference-orchestrator/core/models"
)

// ArtifactRepository records output files per job
type ArtifactRepository struct {
	db *DB
}

func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

func scanArtifact(row rowScanner) (models.JobArtifact, error) {
	var (
		artifact models.JobArtifact
		meta     []byte
	)
	if err := row.Scan(&artifact.ID, &artifact.JobID, &artifact.Type, &artifact.URI, &artifact.CreatedAt, &meta); err != nil {
		return artifact, err
	}
	decoded, err := decodeMeta(meta)
	if err != nil {
		return artifact, fmt.Errorf("decode artifact %d meta: %w", artifact.ID, err)
	}
	artifact.Meta = decoded
	return artifact, nil
}

// GetJobArtifacts lists a job's artifacts, newest first. A nil
// artifactType returns every type.
func (r *ArtifactRepository) GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, type, uri, created_at, meta_json
		FROM job_artifacts
		WHERE job_id = $1 AND ($2::text IS NULL OR type = $2)
		ORDER BY created_at DESC, id DESC`, jobID, artifactType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []models.JobArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// CreateArtifact records an artifact for a job
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encode artifact meta: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_artifacts (job_id, type, uri, meta_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())`, jobID, artifactType, uri, metaJSON)
	return mapError(err)
}
