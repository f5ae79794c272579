package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inference-orchestrator/core/models"
)

type fakeArtifacts struct {
	created []models.JobArtifact
}

func (f *fakeArtifacts) CreateArtifact(_ context.Context, jobID string, t models.ArtifactType, uri string, meta map[string]interface{}) error {
	f.created = append(f.created, models.JobArtifact{
		JobID:     jobID,
		Type:      t,
		URI:       uri,
		Meta:      meta,
		CreatedAt: time.Unix(int64(len(f.created)), 0),
	})
	return nil
}

func (f *fakeArtifacts) GetJobArtifacts(_ context.Context, jobID string, t *models.ArtifactType) ([]models.JobArtifact, error) {
	var out []models.JobArtifact
	for _, a := range f.created {
		if a.JobID == jobID && (t == nil || a.Type == *t) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeMirror struct {
	keys []string
	body string
	err  error
}

func (m *fakeMirror) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, _ := io.ReadAll(body)
	m.keys = append(m.keys, key)
	m.body = string(b)
	return "s3://bucket/" + key, nil
}

func TestOutputPathIsDeterministic(t *testing.T) {
	a := OutputPath("/results", "/models/Iris Model.json", "job-1")
	b := OutputPath("/results", "/other/place/Iris Model.json", "job-1")
	if a != b {
		t.Fatalf("paths differ for the same model name and job: %s vs %s", a, b)
	}
	if filepath.Dir(a) != "/results" {
		t.Fatalf("unexpected directory: %s", a)
	}
	name := filepath.Base(a)
	if strings.ContainsAny(name, " ") || !strings.Contains(name, "job-1") || !strings.HasSuffix(name, ".json") {
		t.Fatalf("unexpected file name: %s", name)
	}
	if OutputPath("/results", "/models/Iris Model.json", "job-2") == a {
		t.Fatal("different jobs share an output path")
	}
}

func TestWritePredictionsOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	store := NewResultStore(dir, nil, nil, nil)

	first, err := store.WritePredictions("job-1", "/models/iris.json", []any{1, 2})
	if err != nil {
		t.Fatalf("WritePredictions returned error: %v", err)
	}
	second, err := store.WritePredictions("job-1", "/models/iris.json", []any{"setosa"})
	if err != nil {
		t.Fatalf("WritePredictions returned error: %v", err)
	}
	if first != second {
		t.Fatalf("re-run produced a new path: %s vs %s", first, second)
	}

	raw, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var got []string
	if err := json.Unmarshal(raw, &got); err != nil || len(got) != 1 || got[0] != "setosa" {
		t.Fatalf("unexpected output content %q (%v)", raw, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single artifact, found %d", len(entries))
	}
}

func TestPublishRecordsAndMirrors(t *testing.T) {
	dir := t.TempDir()
	artifacts := &fakeArtifacts{}
	mirror := &fakeMirror{}
	store := NewResultStore(dir, artifacts, mirror, nil)

	out, err := store.WritePredictions("job-9", "model.onnx", []float64{0.5})
	if err != nil {
		t.Fatalf("WritePredictions returned error: %v", err)
	}
	if err := store.Publish(context.Background(), "job-9", out, map[string]interface{}{"samples": 1}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(artifacts.created) != 2 {
		t.Fatalf("expected output and mirror artifacts, got %+v", artifacts.created)
	}
	if mirror.body != "[0.5]" {
		t.Fatalf("unexpected mirrored body: %q", mirror.body)
	}

	latest, err := store.LatestOutput(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("LatestOutput returned error: %v", err)
	}
	if latest != out {
		t.Fatalf("LatestOutput = %s, want %s", latest, out)
	}
}

func TestPublishIgnoresMirrorFailure(t *testing.T) {
	dir := t.TempDir()
	artifacts := &fakeArtifacts{}
	store := NewResultStore(dir, artifacts, &fakeMirror{err: errors.New("bucket gone")}, nil)

	out, err := store.WritePredictions("job-3", "model.json", []int{1})
	if err != nil {
		t.Fatalf("WritePredictions returned error: %v", err)
	}
	if err := store.Publish(context.Background(), "job-3", out, nil); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if len(artifacts.created) != 1 {
		t.Fatalf("expected only the local artifact, got %+v", artifacts.created)
	}
}
