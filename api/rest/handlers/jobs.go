package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"inference-orchestrator/core/models"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"
	"inference-orchestrator/core/spec"

	"github.com/gorilla/mux"
)

// AnalysisStore persists analysis jobs
type AnalysisStore interface {
	CreateJob(ctx context.Context, job *models.AnalysisJob) error
	GetJob(ctx context.Context, id string) (*models.AnalysisJob, error)
	ListJobs(ctx context.Context, status *models.JobStatus, limit int) ([]*models.AnalysisJob, error)
}

// EventStore reads job events
type EventStore interface {
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// ArtifactStore reads job artifacts
type ArtifactStore interface {
	GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error)
}

// Enqueuer dispatches jobs to the workers
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, jobID string) error
}

// JobHandler handles analysis job HTTP requests
type JobHandler struct {
	jobs      AnalysisStore
	events    EventStore
	artifacts ArtifactStore
	queue     Enqueuer
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs AnalysisStore, events EventStore, artifacts ArtifactStore, q Enqueuer, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		jobs:      jobs,
		events:    events,
		artifacts: artifacts,
		queue:     q,
		logger:    logger,
	}
}

// SubmitAnalysisRequest represents the request to launch an analysis.
// Either SpecYAML or the other fields are set.
type SubmitAnalysisRequest struct {
	ModelID    string          `json:"model_id"`
	DatasetID  string          `json:"dataset_id"`
	Parameters json.RawMessage `json:"parameters"`
	SpecYAML   string          `json:"spec_yaml"`
}

// SubmitAnalysisResponse represents the response after submitting a job
type SubmitAnalysisResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitAnalysis handles POST /v1/analyses
func (h *JobHandler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req SubmitAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := buildJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, repository.ErrInvalidReference) {
			writeError(w, http.StatusBadRequest, "unknown model or dataset")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create job: "+err.Error())
		return
	}

	// a failed publish leaves the job PENDING for the scheduler sweep
	if err := h.queue.Enqueue(r.Context(), queue.KindAnalysis, job.ID); err != nil {
		h.logger.Error("failed to enqueue analysis", "job_id", job.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, SubmitAnalysisResponse{
		ID:        job.ID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	})
}

func buildJob(req SubmitAnalysisRequest) (*models.AnalysisJob, error) {
	if req.SpecYAML != "" {
		return spec.ParseAnalysisSpec(req.SpecYAML)
	}
	if req.ModelID == "" || req.DatasetID == "" {
		return nil, errors.New("model_id and dataset_id are required")
	}
	params, err := spec.ValidateParameters(req.Parameters)
	if err != nil {
		return nil, err
	}
	return &models.AnalysisJob{
		ModelID:    req.ModelID,
		DatasetID:  req.DatasetID,
		Parameters: params,
		Status:     models.JobStatusPending,
	}, nil
}

func jobResponse(job *models.AnalysisJob) map[string]interface{} {
	resp := map[string]interface{}{
		"id":         job.ID,
		"model_id":   job.ModelID,
		"dataset_id": job.DatasetID,
		"framework":  job.Framework,
		"status":     job.Status,
		"parameters": job.Parameters,
		"timestamps": map[string]interface{}{
			"created_at":   job.CreatedAt,
			"updated_at":   job.UpdatedAt,
			"completed_at": job.CompletedAt,
		},
	}
	switch job.Status {
	case models.JobStatusSuccess:
		resp["metrics"] = job.Metrics
		resp["output_path"] = job.OutputPath
	case models.JobStatusFailure:
		resp["error_message"] = job.ErrorMessage
	}
	return resp
}

// loadJob writes the error response itself and returns nil when the job
// cannot be served
func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) *models.AnalysisJob {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job: "+err.Error())
		return nil
	}
	return job
}

// GetAnalysis handles GET /v1/analyses/{id}
func (h *JobHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// ListAnalyses handles GET /v1/analyses
func (h *JobHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	var status *models.JobStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := models.JobStatus(statusParam)
		status = &s
	}

	jobs, err := h.jobs.ListJobs(r.Context(), status, queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs: "+err.Error())
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = jobResponse(job)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetAnalysisEvents handles GET /v1/analyses/{id}/events
func (h *JobHandler) GetAnalysisEvents(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}

	events, err := h.events.GetJobEvents(r.Context(), job.ID, queryLimit(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch events: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(events)})
}

// GetAnalysisArtifacts handles GET /v1/analyses/{id}/artifacts
func (h *JobHandler) GetAnalysisArtifacts(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}

	var artifactType *models.ArtifactType
	if typeParam := r.URL.Query().Get("type"); typeParam != "" {
		t := models.ArtifactType(typeParam)
		artifactType = &t
	}

	artifacts, err := h.artifacts.GetJobArtifacts(r.Context(), job.ID, artifactType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch artifacts: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(artifacts)})
}
