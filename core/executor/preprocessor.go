package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"inference-orchestrator/core/dataset"
)

// PreprocessResult describes a cleaned dataset
type PreprocessResult struct {
	ResultPath  string
	RowsIn      int
	RowsOut     int
	RowsDropped int
}

// Preprocessor removes rows with missing values from a dataset
type Preprocessor struct {
	outDir string
	logger *slog.Logger
}

// NewPreprocessor creates a preprocessor writing into outDir
func NewPreprocessor(outDir string, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{outDir: outDir, logger: logger}
}

// Run cleans the dataset at datasetPath into pre_<job>_<file> under the
// output directory
func (p *Preprocessor) Run(ctx context.Context, jobID, datasetPath string) (*PreprocessResult, error) {
	frame, err := dataset.Load(datasetPath)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			return nil, newError(KindDatasetNotFound, "load dataset", err)
		}
		return nil, newError(KindDatasetLoadError, "load dataset", err)
	}

	clean := frame.DropNA()
	out := filepath.Join(p.outDir, fmt.Sprintf("pre_%s_%s", jobID, filepath.Base(datasetPath)))
	if err := clean.WriteCSV(out); err != nil {
		return nil, classifyWriteError(err)
	}

	p.logger.Info("dataset preprocessed", "job_id", jobID, "rows_in", frame.Len(), "rows_out", clean.Len(), "result_path", out)
	return &PreprocessResult{
		ResultPath:  out,
		RowsIn:      frame.Len(),
		RowsOut:     clean.Len(),
		RowsDropped: frame.Len() - clean.Len(),
	}, nil
}
