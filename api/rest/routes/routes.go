package routes

import (
	"log/slog"
	"net/http"

	"inference-orchestrator/api/rest/handlers"
	"inference-orchestrator/core/breaker"
	"inference-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// Handlers groups the handlers mounted under /v1
type Handlers struct {
	Jobs          *handlers.JobHandler
	Catalog       *handlers.CatalogHandler
	Preprocessing *handlers.PreprocessingHandler
	Breakers      *handlers.BreakerHandler
}

// SetupRoutes configures all API routes over the Postgres repositories
func SetupRoutes(r *mux.Router, db *repository.DB, q handlers.Enqueuer, frameworks []string, breakers []*breaker.Breaker, logger *slog.Logger) {
	jobRepo := repository.NewJobRepository(db)
	eventRepo := repository.NewEventRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	preprocessingRepo := repository.NewPreprocessingRepository(db)

	Register(r, Handlers{
		Jobs:          handlers.NewJobHandler(jobRepo, eventRepo, artifactRepo, q, logger),
		Catalog:       handlers.NewCatalogHandler(catalogRepo, frameworks),
		Preprocessing: handlers.NewPreprocessingHandler(preprocessingRepo, q, logger),
		Breakers:      handlers.NewBreakerHandler(breakers...),
	})
}

// Register mounts h on r
func Register(r *mux.Router, h Handlers) {
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Catalog endpoints
	api.HandleFunc("/models", h.Catalog.CreateModel).Methods("POST")
	api.HandleFunc("/datasets", h.Catalog.CreateDataset).Methods("POST")

	// Analysis endpoints
	api.HandleFunc("/analyses", h.Jobs.SubmitAnalysis).Methods("POST")
	api.HandleFunc("/analyses", h.Jobs.ListAnalyses).Methods("GET")
	api.HandleFunc("/analyses/{id}", h.Jobs.GetAnalysis).Methods("GET")
	api.HandleFunc("/analyses/{id}/events", h.Jobs.GetAnalysisEvents).Methods("GET")
	api.HandleFunc("/analyses/{id}/artifacts", h.Jobs.GetAnalysisArtifacts).Methods("GET")

	// Preprocessing endpoints
	api.HandleFunc("/preprocessing", h.Preprocessing.SubmitPreprocessing).Methods("POST")
	api.HandleFunc("/preprocessing/{id}", h.Preprocessing.GetPreprocessing).Methods("GET")

	// Breaker endpoints
	api.HandleFunc("/breakers/{name}", h.Breakers.GetBreaker).Methods("GET")
	api.HandleFunc("/breakers/{name}/reset", h.Breakers.ResetBreaker).Methods("POST")
}
