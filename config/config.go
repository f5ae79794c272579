package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort  string `yaml:"server_port"`
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`

	// Queue
	NATSURL      string        `yaml:"nats_url"`
	JobStream    string        `yaml:"job_stream"`
	JobSubject   string        `yaml:"job_subject"`
	WorkerQueue  string        `yaml:"worker_queue"`
	MaxDeliver   int           `yaml:"max_deliver"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	AckWait      time.Duration `yaml:"ack_wait"`
	SweepEvery   time.Duration `yaml:"sweep_every"`
	StalePending time.Duration `yaml:"stale_pending"`

	// Files
	ResultsDir      string `yaml:"results_dir"`
	PreprocessedDir string `yaml:"preprocessed_dir"`

	// Circuit breaker
	Breaker BreakerConfig `yaml:"breaker"`

	// AWS
	AWSRegion string `yaml:"aws_region"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
}

// BreakerConfig configures the execution circuit breaker
type BreakerConfig struct {
	Name         string        `yaml:"name"`
	Store        string        `yaml:"store"` // memory | postgres | nats
	Bucket       string        `yaml:"bucket"`
	MaxFailures  int64         `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	Expiry       time.Duration `yaml:"expiry"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DatabaseURL:     "postgres://localhost/inference?sslmode=disable",
		ServerPort:      "8080",
		MetricsPort:     "9090",
		LogLevel:        "info",
		NATSURL:         "nats://127.0.0.1:4222",
		JobStream:       "JOBS",
		JobSubject:      "jobs",
		WorkerQueue:     "inference-workers",
		MaxDeliver:      3,
		RetryDelay:      10 * time.Second,
		AckWait:         10 * time.Minute,
		SweepEvery:      time.Minute,
		StalePending:    10 * time.Minute,
		ResultsDir:      "./data/results",
		PreprocessedDir: "./data/preprocessed",
		Breaker: BreakerConfig{
			Name:         "execute",
			Store:        "postgres",
			Bucket:       "breakers",
			MaxFailures:  5,
			ResetTimeout: 60 * time.Second,
			Expiry:       time.Hour,
		},
		AWSRegion: "us-east-1",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in that order
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.JobStream = getEnv("JOB_STREAM", cfg.JobStream)
	cfg.JobSubject = getEnv("JOB_SUBJECT", cfg.JobSubject)
	cfg.WorkerQueue = getEnv("WORKER_QUEUE", cfg.WorkerQueue)
	cfg.ResultsDir = getEnv("RESULTS_DIR", cfg.ResultsDir)
	cfg.PreprocessedDir = getEnv("PREPROCESSED_DIR", cfg.PreprocessedDir)
	cfg.Breaker.Name = getEnv("BREAKER_NAME", cfg.Breaker.Name)
	cfg.Breaker.Store = getEnv("BREAKER_STORE", cfg.Breaker.Store)
	cfg.Breaker.Bucket = getEnv("BREAKER_BUCKET", cfg.Breaker.Bucket)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)

	var err error
	if cfg.MaxDeliver, err = getEnvInt("MAX_DELIVER", cfg.MaxDeliver); err != nil {
		return nil, err
	}
	maxFailures, err := getEnvInt("BREAKER_MAX_FAILURES", int(cfg.Breaker.MaxFailures))
	if err != nil {
		return nil, err
	}
	cfg.Breaker.MaxFailures = int64(maxFailures)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RETRY_DELAY", &cfg.RetryDelay},
		{"ACK_WAIT", &cfg.AckWait},
		{"SWEEP_EVERY", &cfg.SweepEvery},
		{"STALE_PENDING", &cfg.StalePending},
		{"BREAKER_RESET_TIMEOUT", &cfg.Breaker.ResetTimeout},
		{"BREAKER_EXPIRY", &cfg.Breaker.Expiry},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxDeliver < 1 {
		return fmt.Errorf("MAX_DELIVER must be at least 1, got %d", c.MaxDeliver)
	}
	if c.Breaker.MaxFailures < 1 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be at least 1, got %d", c.Breaker.MaxFailures)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("BREAKER_RESET_TIMEOUT must be positive")
	}
	if c.SweepEvery <= 0 {
		return fmt.Errorf("SWEEP_EVERY must be positive")
	}
	switch c.Breaker.Store {
	case "memory", "postgres", "nats":
	default:
		return fmt.Errorf("BREAKER_STORE must be memory, postgres or nats, got %q", c.Breaker.Store)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// NewLogger builds the process logger at the configured level
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
