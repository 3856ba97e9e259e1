// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("JOB_PREFIX")
	os.Unsetenv("ORDER_ALL_JOBS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Warehouse.JobPrefix != "gcf-ingest-" {
		t.Fatalf("expected default job prefix gcf-ingest-, got %q", cfg.Warehouse.JobPrefix)
	}
	if cfg.Triggers.SuccessFilename != "_SUCCESS" {
		t.Fatalf("expected default success filename _SUCCESS")
	}
	if cfg.Triggers.StartBackfillFilename != "" {
		t.Fatalf("expected start backfill filename to default unset, got %q", cfg.Triggers.StartBackfillFilename)
	}
	if cfg.Backlog.OrderAllJobs {
		t.Fatalf("expected order_all_jobs to default false")
	}
	if cfg.Batching.MaxBatchBytes != 15_000_000_000_000 {
		t.Fatalf("expected default max batch bytes, got %d", cfg.Batching.MaxBatchBytes)
	}
}

func TestEnvBindingOverridesJobPrefix(t *testing.T) {
	os.Setenv("JOB_PREFIX", "custom-prefix-")
	defer os.Unsetenv("JOB_PREFIX")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Warehouse.JobPrefix != "custom-prefix-" {
		t.Fatalf("expected JOB_PREFIX env override, got %q", cfg.Warehouse.JobPrefix)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Batching.MaxBatchBytes = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_batch_bytes <= 0")
	}

	cfg = defaultConfig()
	cfg.Warehouse.JobPrefix = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty job_prefix")
	}

	cfg = defaultConfig()
	cfg.Backlog.FunctionTimeoutSec = cfg.Backlog.RestartBufferSeconds
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for function_timeout_sec <= restart_buffer_seconds")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics port")
	}
}
