package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"inference-orchestrator/core/models"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// PreprocessingStore persists preprocessing jobs
type PreprocessingStore interface {
	CreateJob(ctx context.Context, job *models.PreprocessingJob) error
	GetJob(ctx context.Context, id string) (*models.PreprocessingJob, error)
}

// PreprocessingHandler handles dataset cleaning jobs
type PreprocessingHandler struct {
	jobs   PreprocessingStore
	queue  Enqueuer
	logger *slog.Logger
}

func NewPreprocessingHandler(jobs PreprocessingStore, q Enqueuer, logger *slog.Logger) *PreprocessingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreprocessingHandler{jobs: jobs, queue: q, logger: logger}
}

// SubmitPreprocessing handles POST /v1/preprocessing
func (h *PreprocessingHandler) SubmitPreprocessing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DatasetID == "" {
		writeError(w, http.StatusBadRequest, "dataset_id is required")
		return
	}

	job := &models.PreprocessingJob{DatasetID: req.DatasetID}
	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, repository.ErrInvalidReference) {
			writeError(w, http.StatusBadRequest, "unknown dataset")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create job: "+err.Error())
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.KindPreprocessing, job.ID); err != nil {
		h.logger.Error("failed to enqueue preprocessing", "job_id", job.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

// GetPreprocessing handles GET /v1/preprocessing/{id}
func (h *PreprocessingHandler) GetPreprocessing(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            job.ID,
		"dataset_id":    job.DatasetID,
		"status":        job.Status,
		"log":           job.Log,
		"result_path":   job.ResultPath,
		"error_message": job.ErrorMessage,
		"created_at":    job.CreatedAt,
		"started_at":    job.StartedAt,
		"finished_at":   job.FinishedAt,
	})
}
