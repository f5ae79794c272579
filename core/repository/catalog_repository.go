package repository

import (
	"context"
	"time"

	"inference-orchestrator/core/models"

	"github.com/google/uuid"
)

// CatalogRepository handles registered models and datasets
type CatalogRepository struct {
	db *DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// CreateModel registers a model artifact
func (r *CatalogRepository) CreateModel(ctx context.Context, m *models.MLModel) error {
	if m.Version == "" {
		m.Version = "1.0.0"
	}
	id := uuid.New()
	now := time.Now()

	query := `
		INSERT INTO ml_models (id, name, version, framework, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, id, m.Name, m.Version, m.Framework, m.FilePath, now); err != nil {
		return mapError(err)
	}

	m.ID = id.String()
	m.CreatedAt = now
	return nil
}

// GetModel retrieves a model by ID
func (r *CatalogRepository) GetModel(ctx context.Context, id string) (*models.MLModel, error) {
	query := `
		SELECT id, name, version, framework, file_path, created_at
		FROM ml_models
		WHERE id = $1
	`
	var m models.MLModel
	err := r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.Version, &m.Framework, &m.FilePath, &m.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

// CreateDataset registers a dataset file
func (r *CatalogRepository) CreateDataset(ctx context.Context, d *models.Dataset) error {
	id := uuid.New()
	now := time.Now()

	query := `
		INSERT INTO datasets (id, owner_id, name, description, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, id, d.OwnerID, d.Name, d.Description, d.FilePath, now); err != nil {
		return mapError(err)
	}

	d.ID = id.String()
	d.CreatedAt = now
	return nil
}

// GetDataset retrieves a dataset by ID
func (r *CatalogRepository) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	query := `
		SELECT id, owner_id, name, description, file_path, created_at
		FROM datasets
		WHERE id = $1
	`
	var d models.Dataset
	err := r.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.OwnerID, &d.Name, &d.Description, &d.FilePath, &d.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}
