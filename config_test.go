package proofgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"negative capacity":  func(c *Config) { c.QueueCapacity = -1 },
		"negative retries":   func(c *Config) { c.MaxRetries = -1 },
		"zero threshold":     func(c *Config) { c.FailureThreshold = 0 },
		"zero interval":      func(c *Config) { c.HealthInterval = 0 },
		"zero probe timeout": func(c *Config) { c.ProbeTimeout = 0 },
		"zero deadline":      func(c *Config) { c.JobDeadline = 0 },
		"unknown policy":     func(c *Config) { c.Policy = "random" },
		"unknown store":      func(c *Config) { c.Store = "etcd" },
		"redis without addr": func(c *Config) { c.Store = "redis"; c.RedisAddr = "" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueCapacity != DefaultConfig().QueueCapacity {
		t.Fatalf("expected default capacity, got %d", cfg.QueueCapacity)
	}
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	body := "queue_capacity: 32\npolicy: least-loaded\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PROOFGATE_QUEUE_CAPACITY", "64")
	t.Setenv("PROOFGATE_WORKERS", "10.0.0.1:9090, 10.0.0.2:9090")
	t.Setenv("PROOFGATE_JOB_DEADLINE", "45s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueCapacity != 64 {
		t.Fatalf("env should override file: capacity = %d", cfg.QueueCapacity)
	}
	if cfg.Policy != "least-loaded" {
		t.Fatalf("file value lost: policy = %q", cfg.Policy)
	}
	if len(cfg.Workers) != 2 || cfg.Workers[1] != "10.0.0.2:9090" {
		t.Fatalf("workers list not parsed: %v", cfg.Workers)
	}
	if cfg.JobDeadline != 45*time.Second {
		t.Fatalf("deadline = %s", cfg.JobDeadline)
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("queue_capacity: -5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for negative capacity")
	}
}

func TestWriteDefaultConfigRefusesToClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := WriteDefaultConfig(path, false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := WriteDefaultConfig(path, false)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already-exists error, got %v", err)
	}
	if err := WriteDefaultConfig(path, true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if cfg.ListenAddr != DefaultConfig().ListenAddr {
		t.Fatalf("round trip lost listen_addr: %q", cfg.ListenAddr)
	}
}
