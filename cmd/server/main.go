package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference-orchestrator/api/rest/routes"
	"inference-orchestrator/config"
	"inference-orchestrator/core/breaker"
	"inference-orchestrator/core/monitoring"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"
	"inference-orchestrator/core/scheduler"
	"inference-orchestrator/inference/frameworks"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		fatal(logger, "migrate database", err)
	}
	logger.Info("database connected")

	// Initialize queue
	nc, err := queue.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

	jobs, err := queue.New(nc, queue.Config{
		Stream:     cfg.JobStream,
		Subject:    cfg.JobSubject,
		Queue:      cfg.WorkerQueue,
		MaxDeliver: cfg.MaxDeliver,
		AckWait:    cfg.AckWait,
		RetryDelay: cfg.RetryDelay,
	}, logger)
	if err != nil {
		fatal(logger, "create job queue", err, "stream", cfg.JobStream)
	}

	// The API reads the same breaker state the workers write
	metrics := monitoring.NewMetricsExporter()
	store, err := breaker.OpenStore(ctx, cfg.Breaker.Store, db.DB, jobs.JetStream(), cfg.Breaker.Bucket, cfg.Breaker.Expiry)
	if err != nil {
		fatal(logger, "open breaker store", err, "store", cfg.Breaker.Store)
	}
	if cfg.Breaker.Store == breaker.BackendMemory {
		logger.Warn("breaker store is process local, stats will not reflect the workers")
	}
	br := breaker.New(cfg.Breaker.Name, store,
		breaker.WithMaxFailures(cfg.Breaker.MaxFailures),
		breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
		breaker.WithExpiry(cfg.Breaker.Expiry),
		breaker.WithListener(metrics.ObserveBreaker),
		breaker.WithLogger(logger),
	)

	// Re-dispatch jobs whose publish was lost
	sweeper := scheduler.NewScheduler(repository.NewJobRepository(db), jobs, cfg.SweepEvery, cfg.StalePending, logger)
	go sweeper.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, db, jobs, frameworks.DefaultRegistry().Names(), []*breaker.Breaker{br}, logger)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
	logger.Info("server exited")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
