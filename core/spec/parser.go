package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"inference-orchestrator/core/executor"
	"inference-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// AnalysisSpec represents the YAML analysis submission
type AnalysisSpec struct {
	Analysis AnalysisSpecBody `yaml:"analysis"`
}

// AnalysisSpecBody represents the analysis section of a submission
type AnalysisSpecBody struct {
	Model      string         `yaml:"model"`
	Dataset    string         `yaml:"dataset"`
	Parameters map[string]any `yaml:"parameters"`
}

// ParseAnalysisSpec parses a YAML analysis submission into a PENDING job
func ParseAnalysisSpec(specYAML string) (*models.AnalysisJob, error) {
	var spec AnalysisSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	body := spec.Analysis
	if body.Model == "" {
		return nil, errors.New("analysis.model is required")
	}
	if body.Dataset == "" {
		return nil, errors.New("analysis.dataset is required")
	}

	raw, err := json.Marshal(body.Parameters)
	if err != nil {
		return nil, fmt.Errorf("analysis.parameters: %w", err)
	}
	params, err := ValidateParameters(raw)
	if err != nil {
		return nil, err
	}

	return &models.AnalysisJob{
		ModelID:    body.Model,
		DatasetID:  body.Dataset,
		Parameters: params,
		Status:     models.JobStatusPending,
	}, nil
}

// ValidateParameters checks that raw is a JSON object carrying a numeric
// matrix under the vector key, and returns it compacted
func ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil || params == nil {
		return nil, errors.New("parameters must be an object")
	}
	v, ok := params[models.VectorKey]
	if !ok {
		return nil, fmt.Errorf("parameters.%s is required", models.VectorKey)
	}
	if _, err := executor.InputMatrix(v); err != nil {
		return nil, fmt.Errorf("parameters.%s: %w", models.VectorKey, err)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
