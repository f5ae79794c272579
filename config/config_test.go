package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "DATABASE_URL", "NATS_URL", "RESULTS_DIR", "MAX_DELIVER",
		"RETRY_DELAY", "BREAKER_STORE", "BREAKER_MAX_FAILURES", "BREAKER_RESET_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" || cfg.JobSubject != "jobs" {
		t.Fatalf("unexpected queue settings: %s %s", cfg.NATSURL, cfg.JobSubject)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.Breaker.ResetTimeout != time.Minute || cfg.Breaker.Expiry != time.Hour {
		t.Fatalf("unexpected breaker settings: %+v", cfg.Breaker)
	}
	if cfg.ResultsDir != "./data/results" {
		t.Fatalf("unexpected results dir: %s", cfg.ResultsDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BREAKER_MAX_FAILURES", "3")
	t.Setenv("BREAKER_RESET_TIMEOUT", "30")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("BREAKER_STORE", "nats")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.ResetTimeout != 30*time.Second || cfg.Breaker.Store != "nats" {
		t.Fatalf("unexpected breaker settings: %+v", cfg.Breaker)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected retry delay: %s", cfg.RetryDelay)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "results_dir: /srv/results\nbreaker:\n  store: memory\n  max_failures: 7\n  reset_timeout: 2m\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RESULTS_DIR", "/env/results")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Breaker.MaxFailures != 7 || cfg.Breaker.ResetTimeout != 2*time.Minute || cfg.Breaker.Store != "memory" {
		t.Fatalf("yaml not applied: %+v", cfg.Breaker)
	}
	if cfg.Breaker.Name != "execute" {
		t.Fatalf("unset yaml keys should keep defaults, got name %q", cfg.Breaker.Name)
	}
	if cfg.ResultsDir != "/env/results" {
		t.Fatalf("environment should win over yaml, got %s", cfg.ResultsDir)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MAX_DELIVER":           "many",
		"BREAKER_MAX_FAILURES":  "0",
		"BREAKER_RESET_TIMEOUT": "soon",
		"BREAKER_STORE":         "redis",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
