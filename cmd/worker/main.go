package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference-orchestrator/config"
	"inference-orchestrator/core/breaker"
	"inference-orchestrator/core/executor"
	"inference-orchestrator/core/monitoring"
	"inference-orchestrator/core/queue"
	"inference-orchestrator/core/repository"
	"inference-orchestrator/core/scheduler"
	"inference-orchestrator/inference/frameworks"
	"inference-orchestrator/providers/aws"
	"inference-orchestrator/storage"

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
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"job_subject", cfg.JobSubject,
		"queue", cfg.WorkerQueue,
		"results_dir", cfg.ResultsDir,
		"breaker_store", cfg.Breaker.Store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer db.Close()

	jobRepo := repository.NewJobRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	preprocessingRepo := repository.NewPreprocessingRepository(db)

	for _, dir := range []string{cfg.ResultsDir, cfg.PreprocessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(logger, "ensure output directory", err, "dir", dir)
		}
	}

	var mirror storage.Mirror
	if cfg.S3Bucket != "" {
		s3Client, err := aws.NewClient(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			fatal(logger, "create s3 client", err, "bucket", cfg.S3Bucket)
		}
		mirror = s3Client
		logger.Info("mirroring outputs to s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	}
	results := storage.NewResultStore(cfg.ResultsDir, artifactRepo, mirror, logger)

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

	metrics := monitoring.NewMetricsExporter()

	store, err := breaker.OpenStore(ctx, cfg.Breaker.Store, db.DB, jobs.JetStream(), cfg.Breaker.Bucket, cfg.Breaker.Expiry)
	if err != nil {
		fatal(logger, "open breaker store", err, "store", cfg.Breaker.Store)
	}
	br := breaker.New(cfg.Breaker.Name, store,
		breaker.WithMaxFailures(cfg.Breaker.MaxFailures),
		breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
		breaker.WithExpiry(cfg.Breaker.Expiry),
		breaker.WithListener(metrics.ObserveBreaker),
		breaker.WithLogger(logger),
	)

	registry := frameworks.DefaultRegistry()
	logger.Info("model adapters registered", "frameworks", registry.Names())

	inference := executor.NewInferenceExecutor(registry, results, logger)
	runner := scheduler.NewTaskRunner(jobRepo, inference, br, results, metrics, logger)
	cleaner := executor.NewPreprocessor(cfg.PreprocessedDir, logger)
	preprocessing := scheduler.NewPreprocessingRunner(preprocessingRepo, cleaner, metrics, logger)

	sub, err := jobs.Subscribe(ctx, map[string]queue.Handler{
		queue.KindAnalysis:      runner.Handle,
		queue.KindPreprocessing: preprocessing.Handle,
	})
	if err != nil {
		fatal(logger, "subscribe worker", err, "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for jobs", "subject", cfg.JobSubject+".>", "queue", cfg.WorkerQueue)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	<-ctx.Done()

	logger.Info("worker shutting down")
	if err := sub.Drain(); err != nil {
		logger.Warn("failed to drain subscription", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", "err", err)
	}
	logger.Info("worker exited")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
