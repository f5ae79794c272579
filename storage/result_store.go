package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"inference-orchestrator/core/models"

	"github.com/gosimple/slug"
)

// ArtifactRecorder persists artifact rows for jobs
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
	GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error)
}

// Mirror copies an artifact to remote storage and returns its URI
type Mirror interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// ResultStore writes prediction artifacts and records them against jobs
type ResultStore struct {
	dir       string
	artifacts ArtifactRecorder
	mirror    Mirror
	logger    *slog.Logger
}

// NewResultStore creates a result store rooted at dir. artifacts and mirror may be nil.
func NewResultStore(dir string, artifacts ArtifactRecorder, mirror Mirror, logger *slog.Logger) *ResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		dir:       dir,
		artifacts: artifacts,
		mirror:    mirror,
		logger:    logger,
	}
}

// Dir returns the results directory
func (s *ResultStore) Dir() string {
	return s.dir
}

// OutputPath returns the artifact path for a model and job. The same
// model file and job id always map to the same path.
func OutputPath(dir, modelPath, jobID string) string {
	base := filepath.Base(modelPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := slug.Make(base)
	if name == "" {
		name = "model"
	}
	return filepath.Join(dir, fmt.Sprintf("out_%s_%s.json", name, jobID))
}

// WritePredictions writes predictions as a JSON array, replacing any
// previous artifact for the same job
func (s *ResultStore) WritePredictions(jobID, modelPath string, predictions any) (string, error) {
	data, err := json.Marshal(predictions)
	if err != nil {
		return "", fmt.Errorf("encode predictions: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}

	out := OutputPath(s.dir, modelPath, jobID)
	tmp, err := os.CreateTemp(s.dir, ".out-*.json")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", err
	}
	return out, nil
}

// Publish records a finished output against the job and mirrors it when a
// mirror is configured. Mirror failures are logged, not returned.
func (s *ResultStore) Publish(ctx context.Context, jobID, outputPath string, metrics map[string]interface{}) error {
	if s.artifacts != nil {
		if err := s.artifacts.CreateArtifact(ctx, jobID, models.ArtifactTypeOutput, outputPath, metrics); err != nil {
			return fmt.Errorf("record output artifact: %w", err)
		}
	}
	if s.mirror == nil {
		return nil
	}

	f, err := os.Open(outputPath)
	if err != nil {
		s.logger.Warn("open output for mirroring failed", "job_id", jobID, "path", outputPath, "err", err)
		return nil
	}
	defer f.Close()

	uri, err := s.mirror.Upload(ctx, filepath.Base(outputPath), f, "application/json")
	if err != nil {
		s.logger.Warn("mirror output failed", "job_id", jobID, "path", outputPath, "err", err)
		return nil
	}
	s.logger.Info("mirrored output", "job_id", jobID, "uri", uri)

	if s.artifacts != nil {
		if err := s.artifacts.CreateArtifact(ctx, jobID, models.ArtifactTypeMirror, uri, map[string]interface{}{"source": outputPath}); err != nil {
			return fmt.Errorf("record mirror artifact: %w", err)
		}
	}
	return nil
}

// LatestOutput returns the most recent output artifact URI for a job
func (s *ResultStore) LatestOutput(ctx context.Context, jobID string) (string, error) {
	outputs, err := s.ListOutputs(ctx, jobID)
	if err != nil {
		return "", err
	}

	var latest *models.JobArtifact
	for i := range outputs {
		if latest == nil || outputs[i].CreatedAt.After(latest.CreatedAt) {
			latest = &outputs[i]
		}
	}
	if latest == nil {
		return "", fmt.Errorf("no output found for job %s", jobID)
	}
	return latest.URI, nil
}

// ListOutputs lists the output artifacts recorded for a job
func (s *ResultStore) ListOutputs(ctx context.Context, jobID string) ([]models.JobArtifact, error) {
	if s.artifacts == nil {
		return nil, nil
	}
	outputType := models.ArtifactTypeOutput
	return s.artifacts.GetJobArtifacts(ctx, jobID, &outputType)
}
