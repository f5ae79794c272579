package models

import "time"

// PreprocessingStatus represents the lifecycle of a preprocessing job
type PreprocessingStatus string

const (
	PreprocessingPending PreprocessingStatus = "PENDING"
	PreprocessingRunning PreprocessingStatus = "RUNNING"
	PreprocessingSuccess PreprocessingStatus = "SUCCESS"
	PreprocessingFailed  PreprocessingStatus = "FAILED"
)

// IsTerminal reports whether the job has finished
func (s PreprocessingStatus) IsTerminal() bool {
	return s == PreprocessingSuccess || s == PreprocessingFailed
}

// PreprocessingJob cleans a dataset into a new CSV file
type PreprocessingJob struct {
	ID           string
	DatasetID    string
	Status       PreprocessingStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Log          string
	ResultPath   string
	ErrorMessage string

	// Resolved from the catalog when the job is loaded
	DatasetPath string
}
