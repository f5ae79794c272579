package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"inference-orchestrator/core/models"
)

// CatalogStore registers models and datasets
type CatalogStore interface {
	CreateModel(ctx context.Context, m *models.MLModel) error
	CreateDataset(ctx context.Context, d *models.Dataset) error
}

// CatalogHandler handles model and dataset registration
type CatalogHandler struct {
	catalog    CatalogStore
	frameworks map[string]bool
}

// NewCatalogHandler creates a catalog handler accepting the given framework names
func NewCatalogHandler(catalog CatalogStore, frameworks []string) *CatalogHandler {
	known := make(map[string]bool, len(frameworks))
	for _, name := range frameworks {
		known[name] = true
	}
	return &CatalogHandler{catalog: catalog, frameworks: known}
}

// CreateModelRequest represents a model registration
type CreateModelRequest struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Framework string `json:"framework"`
	FilePath  string `json:"file_path"`
}

// CreateModel handles POST /v1/models
func (h *CatalogHandler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var req CreateModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "name and file_path are required")
		return
	}
	framework := strings.ToLower(req.Framework)
	if !h.frameworks[framework] {
		writeError(w, http.StatusBadRequest, "unsupported framework: "+req.Framework)
		return
	}

	model := &models.MLModel{
		Name:      req.Name,
		Version:   req.Version,
		Framework: framework,
		FilePath:  req.FilePath,
	}
	if err := h.catalog.CreateModel(r.Context(), model); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register model: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         model.ID,
		"name":       model.Name,
		"version":    model.Version,
		"framework":  model.Framework,
		"file_path":  model.FilePath,
		"created_at": model.CreatedAt,
	})
}

// CreateDatasetRequest represents a dataset registration
type CreateDatasetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	OwnerID     string `json:"owner_id"`
}

// CreateDataset handles POST /v1/datasets
func (h *CatalogHandler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "name and file_path are required")
		return
	}

	dataset := &models.Dataset{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		FilePath:    req.FilePath,
	}
	if err := h.catalog.CreateDataset(r.Context(), dataset); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register dataset: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          dataset.ID,
		"name":        dataset.Name,
		"description": dataset.Description,
		"file_path":   dataset.FilePath,
		"created_at":  dataset.CreatedAt,
	})
}
