package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inference-orchestrator/api/rest/handlers"
	"inference-orchestrator/core/breaker"
	"inference-orchestrator/core/models"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*models.AnalysisJob
	order  []string
	models map[string]bool
}

func (f *fakeJobs) CreateJob(_ context.Context, job *models.AnalysisJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.models[job.ModelID] {
		return repository.ErrInvalidReference
	}
	job.ID = fmt.Sprintf("job-%d", len(f.order)+1)
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*models.AnalysisJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) ListJobs(_ context.Context, status *models.JobStatus, limit int) ([]*models.AnalysisJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AnalysisJob
	for _, id := range f.order {
		job := f.jobs[id]
		if status != nil && job.Status != *status {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, job)
	}
	return out, nil
}

type fakeEvents struct{ events []models.JobEvent }

func (f *fakeEvents) GetJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	var out []models.JobEvent
	for _, e := range f.events {
		if e.JobID == jobID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeArtifacts struct{ artifacts []models.JobArtifact }

func (f *fakeArtifacts) GetJobArtifacts(_ context.Context, jobID string, t *models.ArtifactType) ([]models.JobArtifact, error) {
	var out []models.JobArtifact
	for _, a := range f.artifacts {
		if a.JobID == jobID && (t == nil || a.Type == *t) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Message
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, kind, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, queue.Message{Kind: kind, JobID: jobID})
	return nil
}

type fakeCatalog struct {
	models   []*models.MLModel
	datasets []*models.Dataset
}

func (f *fakeCatalog) CreateModel(_ context.Context, m *models.MLModel) error {
	m.ID = fmt.Sprintf("model-%d", len(f.models)+1)
	f.models = append(f.models, m)
	return nil
}

func (f *fakeCatalog) CreateDataset(_ context.Context, d *models.Dataset) error {
	d.ID = fmt.Sprintf("dataset-%d", len(f.datasets)+1)
	f.datasets = append(f.datasets, d)
	return nil
}

type fakePreprocessing struct {
	jobs map[string]*models.PreprocessingJob
}

func (f *fakePreprocessing) CreateJob(_ context.Context, job *models.PreprocessingJob) error {
	if job.DatasetID != "dataset-1" {
		return repository.ErrInvalidReference
	}
	job.ID = fmt.Sprintf("pre-%d", len(f.jobs)+1)
	job.Status = models.PreprocessingPending
	f.jobs[job.ID] = job
	return nil
}

func (f *fakePreprocessing) GetJob(_ context.Context, id string) (*models.PreprocessingJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

type fixture struct {
	router  *mux.Router
	jobs    *fakeJobs
	events  *fakeEvents
	arts    *fakeArtifacts
	queue   *fakeQueue
	catalog *fakeCatalog
	pre     *fakePreprocessing
	breaker *breaker.Breaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    &fakeJobs{jobs: map[string]*models.AnalysisJob{}, models: map[string]bool{"model-1": true}},
		events:  &fakeEvents{},
		arts:    &fakeArtifacts{},
		queue:   &fakeQueue{},
		catalog: &fakeCatalog{},
		pre:     &fakePreprocessing{jobs: map[string]*models.PreprocessingJob{}},
		breaker: breaker.New("execute", breaker.NewMemoryStore(), breaker.WithMaxFailures(2)),
	}
	f.router = mux.NewRouter()
	Register(f.router, Handlers{
		Jobs:          handlers.NewJobHandler(f.jobs, f.events, f.arts, f.queue, nil),
		Catalog:       handlers.NewCatalogHandler(f.catalog, []string{"onnx", "pytorch", "sklearn", "tensorflow"}),
		Preprocessing: handlers.NewPreprocessingHandler(f.pre, f.queue, nil),
		Breakers:      handlers.NewBreakerHandler(f.breaker),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitAnalysisEnqueues(t *testing.T) {
	f := newFixture(t)
	body := `{"model_id":"model-1","dataset_id":"dataset-1","parameters":{"vector_2d": [[5.1, 3.5, 1.4, 0.2]]}}`

	rec, resp := f.do(t, "POST", "/v1/analyses", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp["id"] != "job-1" || resp["status"] != "PENDING" {
		t.Fatalf("unexpected response %v", resp)
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0] != (queue.Message{Kind: queue.KindAnalysis, JobID: "job-1"}) {
		t.Fatalf("enqueued %v", f.queue.sent)
	}
	if got := string(f.jobs.jobs["job-1"].Parameters); got != `{"vector_2d":[[5.1,3.5,1.4,0.2]]}` {
		t.Fatalf("parameters stored as %s", got)
	}
}

func TestSubmitAnalysisFromYAML(t *testing.T) {
	f := newFixture(t)
	spec := "analysis:\n  model: model-1\n  dataset: dataset-1\n  parameters:\n    vector_2d: [[1, 2]]\n"
	body, _ := json.Marshal(map[string]string{"spec_yaml": spec})

	rec, _ := f.do(t, "POST", "/v1/analyses", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if job := f.jobs.jobs["job-1"]; job.ModelID != "model-1" || job.DatasetID != "dataset-1" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmitAnalysisRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed body", `{`},
		{"missing ids", `{"parameters":{"vector_2d":[[1]]}}`},
		{"missing vector", `{"model_id":"model-1","dataset_id":"dataset-1","parameters":{}}`},
		{"non numeric vector", `{"model_id":"model-1","dataset_id":"dataset-1","parameters":{"vector_2d":[["a"]]}}`},
		{"unknown model", `{"model_id":"model-9","dataset_id":"dataset-1","parameters":{"vector_2d":[[1]]}}`},
		{"bad yaml", `{"spec_yaml":"analysis: ["}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec, resp := f.do(t, "POST", "/v1/analyses", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if resp["error"] == "" {
				t.Fatalf("missing error message: %v", resp)
			}
			if len(f.queue.sent) != 0 || len(f.jobs.order) != 0 {
				t.Fatalf("rejected submission left state: %v %v", f.queue.sent, f.jobs.order)
			}
		})
	}
}

func TestSubmitAnalysisSurvivesQueueOutage(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("nats: no responders available for request")

	rec, _ := f.do(t, "POST", "/v1/analyses", `{"model_id":"model-1","dataset_id":"dataset-1","parameters":{"vector_2d":[[1]]}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.jobs.jobs["job-1"].Status != models.JobStatusPending {
		t.Fatal("job should stay PENDING for the sweeper")
	}
}

func TestGetAnalysis(t *testing.T) {
	f := newFixture(t)
	done := time.Now()
	f.jobs.jobs["a"] = &models.AnalysisJob{
		ID:          "a",
		Status:      models.JobStatusSuccess,
		Parameters:  json.RawMessage(`{"vector_2d":[[1]]}`),
		Metrics:     map[string]any{"samples": 1},
		OutputPath:  "results/iris_a.json",
		CompletedAt: &done,
	}
	f.jobs.jobs["b"] = &models.AnalysisJob{
		ID:           "b",
		Status:       models.JobStatusFailure,
		Parameters:   json.RawMessage(`{}`),
		ErrorMessage: "service temporarily unavailable (circuit open)",
	}
	f.jobs.order = []string{"a", "b"}

	rec, resp := f.do(t, "GET", "/v1/analyses/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp["output_path"] != "results/iris_a.json" || resp["error_message"] != nil {
		t.Fatalf("unexpected success body %v", resp)
	}
	if resp["metrics"].(map[string]interface{})["samples"] != float64(1) {
		t.Fatalf("metrics = %v", resp["metrics"])
	}

	_, resp = f.do(t, "GET", "/v1/analyses/b", "")
	if resp["error_message"] != "service temporarily unavailable (circuit open)" || resp["output_path"] != nil {
		t.Fatalf("unexpected failure body %v", resp)
	}

	rec, _ = f.do(t, "GET", "/v1/analyses/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}

	_, resp = f.do(t, "GET", "/v1/analyses?status=FAILURE", "")
	items := resp["items"].([]interface{})
	if len(items) != 1 || items[0].(map[string]interface{})["id"] != "b" {
		t.Fatalf("filtered list = %v", items)
	}

	_, resp = f.do(t, "GET", "/v1/analyses?limit=1", "")
	if items := resp["items"].([]interface{}); len(items) != 1 {
		t.Fatalf("limited list has %d items", len(items))
	}
}

func TestAnalysisEventsAndArtifacts(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["a"] = &models.AnalysisJob{ID: "a", Status: models.JobStatusSuccess}
	pending := models.JobStatusPending
	f.events.events = []models.JobEvent{
		{JobID: "a", ToStatus: models.JobStatusPending, Reason: "job_created"},
		{JobID: "a", FromStatus: &pending, ToStatus: models.JobStatusSuccess, Reason: "job_success"},
	}
	f.arts.artifacts = []models.JobArtifact{
		{JobID: "a", Type: models.ArtifactTypeOutput, URI: "results/iris_a.json"},
		{JobID: "a", Type: models.ArtifactTypeMirror, URI: "s3://bucket/iris_a.json"},
	}

	_, resp := f.do(t, "GET", "/v1/analyses/a/events", "")
	events := resp["items"].([]interface{})
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if last := events[1].(map[string]interface{}); last["from_status"] != "PENDING" || last["reason"] != "job_success" {
		t.Fatalf("last event = %v", last)
	}

	_, resp = f.do(t, "GET", "/v1/analyses/a/artifacts?type=mirror", "")
	arts := resp["items"].([]interface{})
	if len(arts) != 1 || arts[0].(map[string]interface{})["uri"] != "s3://bucket/iris_a.json" {
		t.Fatalf("artifacts = %v", arts)
	}

	rec, _ := f.do(t, "GET", "/v1/analyses/missing/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("events of missing job status = %d", rec.Code)
	}
}

func TestCatalog(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, "POST", "/v1/models", `{"name":"iris","framework":"SKLearn","file_path":"models/iris.json"}`)
	if rec.Code != http.StatusCreated || resp["framework"] != "sklearn" {
		t.Fatalf("create model: %d %v", rec.Code, resp)
	}

	rec, _ = f.do(t, "POST", "/v1/models", `{"name":"x","framework":"caffe","file_path":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown framework status = %d", rec.Code)
	}

	rec, resp = f.do(t, "POST", "/v1/datasets", `{"name":"iris","file_path":"data/iris.csv"}`)
	if rec.Code != http.StatusCreated || resp["id"] != "dataset-1" {
		t.Fatalf("create dataset: %d %v", rec.Code, resp)
	}

	rec, _ = f.do(t, "POST", "/v1/datasets", `{"name":"iris"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("dataset without path status = %d", rec.Code)
	}
}

func TestPreprocessing(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, "POST", "/v1/preprocessing", `{"dataset_id":"dataset-1"}`)
	if rec.Code != http.StatusCreated || resp["id"] != "pre-1" {
		t.Fatalf("submit: %d %v", rec.Code, resp)
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0].Kind != queue.KindPreprocessing {
		t.Fatalf("enqueued %v", f.queue.sent)
	}

	rec, _ = f.do(t, "POST", "/v1/preprocessing", `{"dataset_id":"dataset-9"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown dataset status = %d", rec.Code)
	}

	f.pre.jobs["pre-1"].Status = models.PreprocessingSuccess
	f.pre.jobs["pre-1"].Log = "processed 4 rows"
	_, resp = f.do(t, "GET", "/v1/preprocessing/pre-1", "")
	if resp["status"] != "SUCCESS" || resp["log"] != "processed 4 rows" {
		t.Fatalf("get: %v", resp)
	}

	rec, _ = f.do(t, "GET", "/v1/preprocessing/pre-9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		f.breaker.Execute(ctx, func(context.Context) error { return boom })
	}

	_, resp := f.do(t, "GET", "/v1/breakers/execute", "")
	if resp["state"] != string(breaker.StateOpen) || resp["failures"] != float64(2) {
		t.Fatalf("stats = %v", resp)
	}

	_, resp = f.do(t, "POST", "/v1/breakers/execute/reset", "")
	if resp["state"] != string(breaker.StateClosed) || resp["failures"] != float64(0) {
		t.Fatalf("stats after reset = %v", resp)
	}

	rec, _ := f.do(t, "GET", "/v1/breakers/other", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown breaker status = %d", rec.Code)
	}
}
