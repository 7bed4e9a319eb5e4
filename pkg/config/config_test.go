package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Expected default listen :8080, got %s", cfg.Server.Listen)
	}
	if cfg.Governor.MaxWorkers != 4 {
		t.Errorf("Expected default max_workers 4, got %d", cfg.Governor.MaxWorkers)
	}
	if cfg.Jobs.MaxRetries != 2 {
		t.Errorf("Expected default max_retries 2, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Jobs.TranscribeFrom != 10 || cfg.Jobs.TranscribeTo != 80 {
		t.Errorf("Expected transcribe range 10-80, got %d-%d", cfg.Jobs.TranscribeFrom, cfg.Jobs.TranscribeTo)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Expected default backend file, got %s", cfg.Storage.Backend)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  listen: ":9090"
governor:
  max_workers: 8
jobs:
  max_retries: 5
  job_timeout: 10m
storage:
  backend: sqlite
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Expected :9090, got %s", cfg.Server.Listen)
	}
	if cfg.Governor.MaxWorkers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Governor.MaxWorkers)
	}
	if cfg.Jobs.MaxRetries != 5 {
		t.Errorf("Expected 5 retries, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Jobs.JobTimeout != 10*time.Minute {
		t.Errorf("Expected 10m timeout, got %v", cfg.Jobs.JobTimeout)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Expected sqlite backend, got %s", cfg.Storage.Backend)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Transcribe.ChunkSeconds != 60 {
		t.Errorf("Expected default chunk_seconds 60, got %d", cfg.Transcribe.ChunkSeconds)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VOXBATCH_SERVER_LISTEN", ":7070")
	t.Setenv("VOXBATCH_GOVERNOR_MAX_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("Env override should win, got %s", cfg.Server.Listen)
	}
	if cfg.Governor.MaxWorkers != 2 {
		t.Errorf("Env override should win, got %d", cfg.Governor.MaxWorkers)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written defaults failed: %v", err)
	}
	if cfg.Server.Listen != Default().Server.Listen {
		t.Errorf("Round-trip changed listen: %s", cfg.Server.Listen)
	}
	if cfg.Jobs.MaxRetries != Default().Jobs.MaxRetries {
		t.Errorf("Round-trip changed max_retries: %d", cfg.Jobs.MaxRetries)
	}
}
