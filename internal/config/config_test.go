package config_test

import (
	"testing"
	"time"

	"github.com/basket/go-evalplane/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MinTimeoutS != 1 {
		t.Fatalf("MinTimeoutS = %d, want 1", cfg.MinTimeoutS)
	}
	if cfg.MaxTimeoutS != 900 {
		t.Fatalf("MaxTimeoutS = %d, want 900", cfg.MaxTimeoutS)
	}
	if cfg.MaxSourceBytes != 1<<20 {
		t.Fatalf("MaxSourceBytes = %d, want 1MiB", cfg.MaxSourceBytes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MIN_TIMEOUT_S", "5")
	t.Setenv("MAX_TIMEOUT_S", "120")
	t.Setenv("QUEUE_URL", "sqlite:///tmp/q.db")
	t.Setenv("AUTH_TOKEN", "secret-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MinTimeoutS != 5 {
		t.Fatalf("MinTimeoutS = %d, want 5", cfg.MinTimeoutS)
	}
	if cfg.MaxTimeoutS != 120 {
		t.Fatalf("MaxTimeoutS = %d, want 120", cfg.MaxTimeoutS)
	}
	if cfg.QueueURL != "sqlite:///tmp/q.db" {
		t.Fatalf("QueueURL = %q", cfg.QueueURL)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].Key != "secret-token" {
		t.Fatalf("expected auth enabled with token from env, got %+v", cfg.Auth)
	}
}

func TestLoad_RejectsInvertedTimeoutRange(t *testing.T) {
	t.Setenv("MIN_TIMEOUT_S", "100")
	t.Setenv("MAX_TIMEOUT_S", "10")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected validation error for MAX_TIMEOUT_S < MIN_TIMEOUT_S")
	}
}

func TestFingerprint_StableAndSensitiveToChange(t *testing.T) {
	a, _ := config.Load()
	b, _ := config.Load()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical configs to produce identical fingerprints")
	}

	t.Setenv("MAX_TIMEOUT_S", "600")
	c, _ := config.Load()
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("expected changed config to produce a different fingerprint")
	}
}

func TestRetryBackoff_Exponential(t *testing.T) {
	cfg := config.Config{RetryBaseS: 60}
	if got := cfg.RetryBackoff(0); got != 60*time.Second {
		t.Fatalf("attempt 0 = %v, want 60s", got)
	}
	if got := cfg.RetryBackoff(1); got != 120*time.Second {
		t.Fatalf("attempt 1 = %v, want 120s", got)
	}
	if got := cfg.RetryBackoff(2); got != 240*time.Second {
		t.Fatalf("attempt 2 = %v, want 240s", got)
	}
}

func TestLoadTopology_MissingFileFallsBackToDefault(t *testing.T) {
	top, err := config.LoadTopology("/nonexistent/pools.yaml")
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	pool, ok := top.PoolFor("ml")
	if !ok || pool.Name != "default" {
		t.Fatalf("expected fallback to default pool, got %+v ok=%v", pool, ok)
	}
}

func TestTopology_PoolFor(t *testing.T) {
	top := config.Topology{Pools: []config.ResourcePool{
		{Name: "default", RunnerURLs: []string{"http://r1:9000"}},
		{Name: "ml", RunnerURLs: []string{"http://r2:9000", "http://r3:9000"}},
	}}

	pool, ok := top.PoolFor("ml")
	if !ok || len(pool.RunnerURLs) != 2 {
		t.Fatalf("expected ml pool with 2 runners, got %+v", pool)
	}

	pool, ok = top.PoolFor("nonexistent")
	if !ok || pool.Name != "default" {
		t.Fatalf("expected fallback to default pool for unknown class, got %+v", pool)
	}
}
