package proofgate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default configuration file written by init and
// looked up by start-proxy.
const ConfigFileName = "proofgate.yaml"

// LoadConfig reads a YAML config file, applies PROOFGATE_* environment
// overrides on top, and validates the result. A missing file is not an
// error: defaults plus environment are used.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("proofgate: parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("proofgate: read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefaultConfig writes the default configuration to path. An existing
// file is only overwritten when force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("proofgate: config %s already exists (use --force to overwrite)", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("proofgate: marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("proofgate: write config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides config fields from PROOFGATE_* environment variables.
// Unparseable values are ignored; Validate catches anything structurally
// wrong afterwards.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PROOFGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PROOFGATE_WORKERS"); v != "" {
		cfg.Workers = splitList(v)
	}
	if v, ok := envInt("PROOFGATE_QUEUE_CAPACITY"); ok {
		cfg.QueueCapacity = v
	}
	if v, ok := envInt("PROOFGATE_MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envDuration("PROOFGATE_JOB_DEADLINE"); ok {
		cfg.JobDeadline = v
	}
	if v, ok := envDuration("PROOFGATE_HEALTH_INTERVAL"); ok {
		cfg.HealthInterval = v
	}
	if v, ok := envDuration("PROOFGATE_PROBE_TIMEOUT"); ok {
		cfg.ProbeTimeout = v
	}
	if v, ok := envInt("PROOFGATE_FAILURE_THRESHOLD"); ok {
		cfg.FailureThreshold = v
	}
	if v := os.Getenv("PROOFGATE_POLICY"); v != "" {
		cfg.Policy = v
	}
	if v, ok := envFloat("PROOFGATE_MAX_RPS"); ok {
		cfg.MaxRequestsPerSecond = v
	}
	if v := os.Getenv("PROOFGATE_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("PROOFGATE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v, ok := envDuration("PROOFGATE_SHUTDOWN_TIMEOUT"); ok {
		cfg.ShutdownTimeout = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
