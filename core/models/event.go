package models

import "time"

// JobEvent records one status transition of an analysis job. Reason is
// "job_created" or "job_<status>" in lower case.
type JobEvent struct {
	ID         int64                  `json:"id"`
	JobID      string                 `json:"job_id"`
	At         time.Time              `json:"at"`
	FromStatus *JobStatus             `json:"from_status,omitempty"`
	ToStatus   JobStatus              `json:"to_status"`
	Reason     string                 `json:"reason"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// ArtifactType tells where an artifact lives
type ArtifactType string

const (
	// ArtifactTypeOutput is the prediction file in the results directory
	ArtifactTypeOutput ArtifactType = "output"
	// ArtifactTypeMirror is the remote copy of an output
	ArtifactTypeMirror ArtifactType = "mirror"
)

// JobArtifact is a file produced by a job
type JobArtifact struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	Type      ArtifactType           `json:"type"`
	URI       string                 `json:"uri"`
	CreatedAt time.Time              `json:"created_at"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}
