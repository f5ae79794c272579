package executor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"inference-orchestrator/core/dataset"
	"inference-orchestrator/inference/frameworks"
)

// PredictionWriter persists predictions and returns the artifact path
type PredictionWriter interface {
	WritePredictions(jobID, modelPath string, predictions any) (string, error)
}

// Request describes one inference execution
type Request struct {
	ModelPath   string
	Framework   string
	DatasetPath string
	Parameters  map[string]any
	JobID       string
}

// Result is returned only when every step succeeded
type Result struct {
	Metrics    map[string]any
	OutputPath string
}

// InferenceExecutor loads a dataset and a model, runs the prediction and
// persists the output artifact
type InferenceExecutor struct {
	registry *frameworks.Registry
	writer   PredictionWriter
	logger   *slog.Logger
}

// NewInferenceExecutor creates a new inference executor
func NewInferenceExecutor(registry *frameworks.Registry, writer PredictionWriter, logger *slog.Logger) *InferenceExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &InferenceExecutor{
		registry: registry,
		writer:   writer,
		logger:   logger,
	}
}

// Execute runs the full pipeline. Any failing step aborts the whole
// execution with an *Error describing the step.
func (e *InferenceExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	logger := e.logger.With("job_id", req.JobID, "framework", req.Framework)

	adapter, err := e.registry.Get(req.Framework)
	if err != nil {
		return nil, newError(KindUnsupportedFramework, "resolve adapter", err)
	}

	frame, err := dataset.Load(req.DatasetPath)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			return nil, newError(KindDatasetNotFound, "load dataset", err)
		}
		return nil, newError(KindDatasetLoadError, "load dataset", err)
	}
	logger.Debug("dataset loaded", "path", req.DatasetPath, "rows", frame.Len(), "columns", len(frame.Columns))

	model, err := loadModel(adapter, req.ModelPath)
	if err != nil {
		return nil, err
	}

	inputs, err := InputMatrix(req.Parameters[InputsKey])
	if err != nil {
		return nil, newError(KindMissingInputs, "read inputs", err)
	}

	var opts frameworks.Options
	if raw, ok := req.Parameters[OptionsKey].(map[string]any); ok {
		opts = frameworks.Options(raw)
	}

	predictions, err := adapter.Predict(model, inputs, opts)
	if err != nil {
		return nil, newError(KindPredictionError, "predict", err)
	}

	metrics := map[string]any{
		"samples": len(predictions),
	}

	outputPath, err := e.writer.WritePredictions(req.JobID, req.ModelPath, predictions)
	if err != nil {
		return nil, classifyWriteError(err)
	}

	logger.Info("inference finished", "samples", len(predictions), "output_path", outputPath)
	return &Result{Metrics: metrics, OutputPath: outputPath}, nil
}

// loadModel opens the model artifact through the adapter, separating
// missing files and unreadable files from deserialization failures
func loadModel(adapter frameworks.Adapter, modelPath string) (frameworks.Model, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, classifyOpenError(err)
	}

	dir, name := filepath.Split(filepath.Clean(modelPath))
	if dir == "" {
		dir = "."
	}
	model, err := adapter.Load(os.DirFS(dir), name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, classifyOpenError(err)
		}
		return nil, newError(KindModelLoadError, "load model", err)
	}
	return model, nil
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindModelNotFound, "open model", err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, "open model", err)
	default:
		return newError(KindModelLoadError, "open model", err)
	}
}

func classifyWriteError(err error) error {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.Is(err, fs.ErrPermission) || errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return newError(KindOutputWriteError, "write output", err)
	}
	return newError(KindUnexpectedPersistError, "write output", err)
}
