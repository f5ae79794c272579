package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an analysis job
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailure JobStatus = "FAILURE"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// VectorKey is the parameters key holding the numeric input matrix
const VectorKey = "vector_2d"

// AnalysisJob is one inference run of a model against a dataset
type AnalysisJob struct {
	ID           string
	ModelID      string
	DatasetID    string
	Parameters   json.RawMessage // always a JSON object
	Status       JobStatus
	Metrics      map[string]any // set only on SUCCESS
	OutputPath   string         // set only on SUCCESS
	ErrorMessage string         // set only on FAILURE
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time // set only on terminal states

	// Resolved from the catalog when the job is loaded
	ModelPath   string
	Framework   string
	DatasetPath string
}

// MLModel is a registered model artifact
type MLModel struct {
	ID        string
	Name      string
	Version   string
	Framework string // "sklearn", "pytorch", "tensorflow", "onnx"
	FilePath  string
	CreatedAt time.Time
}

// Dataset is an uploaded dataset file
type Dataset struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	FilePath    string
	CreatedAt   time.Time
}
