package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"inference-orchestrator/inference/frameworks"
	"inference-orchestrator/storage"
)

const irisModel = `{
	"estimator": "LogisticRegression",
	"classes": [0, 1, 2],
	"coef": [[0, 0, -1, 0], [0, 0, 0, 0], [0, 0, 1, 0]],
	"intercept": [2, 0, -3]
}`

type fixture struct {
	dir         string
	modelPath   string
	datasetPath string
	resultsDir  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:         dir,
		modelPath:   filepath.Join(dir, "models", "iris_model.json"),
		datasetPath: filepath.Join(dir, "datasets", "iris.csv"),
		resultsDir:  filepath.Join(dir, "data", "results"),
	}
	mustWrite(t, f.modelPath, irisModel)
	mustWrite(t, f.datasetPath, "sepal_length,sepal_width,petal_length,petal_width\n5.1,3.5,1.4,0.2\n")
	return f
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (f fixture) executor() *InferenceExecutor {
	return NewInferenceExecutor(frameworks.DefaultRegistry(), storage.NewResultStore(f.resultsDir, nil, nil, nil), nil)
}

func (f fixture) request() Request {
	return Request{
		ModelPath:   f.modelPath,
		Framework:   "sklearn",
		DatasetPath: f.datasetPath,
		Parameters:  map[string]any{InputsKey: []any{[]any{5.1, 3.5, 1.4, 0.2}}},
		JobID:       "job-1",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)

	res, err := f.executor().Execute(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Metrics["samples"] != 1 {
		t.Fatalf("unexpected metrics: %v", res.Metrics)
	}

	raw, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var predictions []float64
	if err := json.Unmarshal(raw, &predictions); err != nil {
		t.Fatalf("output is not a JSON array: %q", raw)
	}
	if len(predictions) != 1 || predictions[0] != 0 {
		t.Fatalf("unexpected predictions: %v", predictions)
	}
}

func TestExecuteOutputPathIsIdempotent(t *testing.T) {
	f := newFixture(t)
	exec := f.executor()

	first, err := exec.Execute(context.Background(), f.request())
	if err != nil {
		t.Fatalf("first Execute returned error: %v", err)
	}
	second, err := exec.Execute(context.Background(), f.request())
	if err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	if first.OutputPath != second.OutputPath {
		t.Fatalf("output paths differ: %s vs %s", first.OutputPath, second.OutputPath)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) WritePredictions(string, string, any) (string, error) {
	return "", w.err
}

func TestExecuteErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f fixture, req *Request) *InferenceExecutor
		want   Kind
	}{
		{
			name: "unknown framework",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.Framework = "unknown"
				return f.executor()
			},
			want: KindUnsupportedFramework,
		},
		{
			name: "missing dataset",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.DatasetPath = filepath.Join(f.dir, "nope.csv")
				return f.executor()
			},
			want: KindDatasetNotFound,
		},
		{
			name: "unsupported dataset format",
			mutate: func(t *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.DatasetPath = filepath.Join(f.dir, "datasets", "scan.png")
				mustWrite(t, req.DatasetPath, "png")
				return f.executor()
			},
			want: KindDatasetLoadError,
		},
		{
			name: "missing model",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.ModelPath = filepath.Join(f.dir, "models", "gone.json")
				return f.executor()
			},
			want: KindModelNotFound,
		},
		{
			name: "corrupt model",
			mutate: func(t *testing.T, f fixture, req *Request) *InferenceExecutor {
				mustWrite(t, f.modelPath, "{not json")
				return f.executor()
			},
			want: KindModelLoadError,
		},
		{
			name: "no inputs",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.Parameters = map[string]any{}
				return f.executor()
			},
			want: KindMissingInputs,
		},
		{
			name: "non numeric inputs",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.Parameters = map[string]any{InputsKey: []any{[]any{"a", "b"}}}
				return f.executor()
			},
			want: KindMissingInputs,
		},
		{
			name: "prediction failure",
			mutate: func(_ *testing.T, f fixture, req *Request) *InferenceExecutor {
				req.Parameters = map[string]any{InputsKey: []any{[]any{1.0, 2.0}}}
				return f.executor()
			},
			want: KindPredictionError,
		},
		{
			name: "results dir is a file",
			mutate: func(t *testing.T, f fixture, req *Request) *InferenceExecutor {
				blocker := filepath.Join(f.dir, "blocker")
				mustWrite(t, blocker, "")
				return NewInferenceExecutor(frameworks.DefaultRegistry(), storage.NewResultStore(filepath.Join(blocker, "results"), nil, nil, nil), nil)
			},
			want: KindOutputWriteError,
		},
		{
			name: "unexpected persist failure",
			mutate: func(_ *testing.T, _ fixture, _ *Request) *InferenceExecutor {
				return NewInferenceExecutor(frameworks.DefaultRegistry(), failingWriter{err: errors.New("encoder exploded")}, nil)
			},
			want: KindUnexpectedPersistError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			exec := tt.mutate(t, f, &req)

			res, err := exec.Execute(context.Background(), req)
			if err == nil {
				t.Fatalf("expected %s error, got result %+v", tt.want, res)
			}
			if got := KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestExecutePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	f := newFixture(t)
	if err := os.Chmod(f.modelPath, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(f.modelPath, 0o644) })

	_, err := f.executor().Execute(context.Background(), f.request())
	if !IsKind(err, KindPermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
}

func TestInputMatrix(t *testing.T) {
	got, err := InputMatrix([]any{[]any{1.0, json.Number("2.5")}, []float64{3, 4}})
	if err != nil {
		t.Fatalf("InputMatrix returned error: %v", err)
	}
	if got[0][1] != 2.5 || got[1][0] != 3 {
		t.Fatalf("unexpected matrix: %v", got)
	}

	for _, bad := range []any{nil, "rows", []any{}, []any{1.0}} {
		if _, err := InputMatrix(bad); err == nil {
			t.Fatalf("expected error for %#v", bad)
		}
	}
}

func TestPreprocessorDropsMissingRows(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "raw.csv")
	mustWrite(t, src, "a,b\n1,2\nNA,3\n4,\n5,6\n")

	res, err := NewPreprocessor(filepath.Join(dir, "preprocessed"), nil).Run(context.Background(), "job-7", src)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.RowsIn != 4 || res.RowsOut != 2 || res.RowsDropped != 2 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if filepath.Base(res.ResultPath) != "pre_job-7_raw.csv" {
		t.Fatalf("unexpected result path: %s", res.ResultPath)
	}

	_, err = NewPreprocessor(dir, nil).Run(context.Background(), "job-8", filepath.Join(dir, "missing.csv"))
	if !IsKind(err, KindDatasetNotFound) {
		t.Fatalf("expected dataset_not_found, got %v", err)
	}
}
