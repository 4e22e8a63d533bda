package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MatchInterval != 5*time.Second {
		t.Fatalf("match interval: got %s", cfg.MatchInterval)
	}
	if cfg.PendingTTL != 12*time.Second {
		t.Fatalf("pending ttl: got %s", cfg.PendingTTL)
	}
	if cfg.Sandbox.Timeout != 15*time.Second {
		t.Fatalf("sandbox timeout: got %s", cfg.Sandbox.Timeout)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "codeduel.yaml")
	data := []byte(`
httpAddr: ":9999"
pendingTTL: 20s
redis:
  addr: "redis:6379"
sandbox:
  fixtureSource: minio
  minio:
    bucket: fixtures
`)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("http addr: got %q", cfg.HTTPAddr)
	}
	if cfg.PendingTTL != 20*time.Second {
		t.Errorf("pending ttl: got %s", cfg.PendingTTL)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
	if cfg.Sandbox.FixtureSource != "minio" || cfg.Sandbox.MinIO.Bucket != "fixtures" {
		t.Errorf("fixture settings not loaded: %+v", cfg.Sandbox)
	}
	// Untouched keys keep their defaults.
	if cfg.MatchInterval != 5*time.Second {
		t.Errorf("match interval: got %s", cfg.MatchInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromEnvOverridesFile(t *testing.T) {
	t.Setenv("REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("CODEDUEL_MATCH_INTERVAL", "2s")
	t.Setenv("AUTO_LEAVE_ON_DISCONNECT", "true")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("CODEDUEL_JOBS_GROUP", "sandbox-blue")
	t.Setenv("CODEDUEL_RESULTS_GROUP", "correlators-blue")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "10.0.0.1:6379" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
	if cfg.MatchInterval != 2*time.Second {
		t.Errorf("match interval: got %s", cfg.MatchInterval)
	}
	if !cfg.AutoLeaveOnDisconnect {
		t.Error("expected auto leave enabled")
	}
	if cfg.Redis.JobsGroup != "sandbox-blue" || cfg.Redis.ResultsGroup != "correlators-blue" {
		t.Errorf("groups: got %q %q", cfg.Redis.JobsGroup, cfg.Redis.ResultsGroup)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("bad int should fall back to default, got %d", cfg.WorkerConcurrency)
	}
}
