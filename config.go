package proofgate

import (
	"fmt"
	"time"
)

// Config holds the proxy configuration.
type Config struct {
	// ListenAddr is the default address the gateway binds when start-proxy
	// is not given an explicit address.
	ListenAddr string `yaml:"listen_addr"`

	// Workers is the initial prover roster as host:port addresses. The
	// roster can be replaced at runtime through the workers endpoint.
	Workers []string `yaml:"workers"`

	// QueueCapacity bounds the number of jobs waiting for a worker.
	// Submissions beyond it are rejected, not buffered.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxRetries is the retry budget per job. A job is dispatched at most
	// MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries"`

	// JobDeadline bounds a single dispatch attempt. Exceeding it fails the
	// attempt and triggers an out-of-cycle probe of the worker.
	JobDeadline time.Duration `yaml:"job_deadline"`

	// HealthInterval is how often every registered worker is probed.
	HealthInterval time.Duration `yaml:"health_interval"`

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// FailureThreshold is the number of consecutive failed probes after
	// which a worker is marked unhealthy.
	FailureThreshold int `yaml:"failure_threshold"`

	// Policy selects how an idle worker is chosen: "round-robin",
	// "least-recently-used", or "least-loaded".
	Policy string `yaml:"policy"`

	// MaxRequestsPerSecond throttles submissions ahead of the queue.
	// Zero disables rate limiting.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`

	// RateBurst is the burst size of the token-bucket limiter. Defaults
	// to 1 when a rate limit is set.
	RateBurst int `yaml:"rate_burst"`

	// Store selects the roster/DLQ backend: "memory" or "redis".
	Store string `yaml:"store"`

	// RedisAddr is the redis address when Store is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// ShutdownTimeout is the maximum time to wait for in-flight proofs
	// during graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:8082",
		QueueCapacity:    8,
		MaxRetries:       1,
		JobDeadline:      100 * time.Second,
		HealthInterval:   10 * time.Second,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 3,
		Policy:           "round-robin",
		Store:            "memory",
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.QueueCapacity < 0 {
		return fmt.Errorf("proofgate: queue_capacity must be >= 0, got %d", c.QueueCapacity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("proofgate: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("proofgate: failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("proofgate: health_interval must be positive, got %s", c.HealthInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("proofgate: probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.JobDeadline <= 0 {
		return fmt.Errorf("proofgate: job_deadline must be positive, got %s", c.JobDeadline)
	}
	switch c.Policy {
	case "round-robin", "least-recently-used", "least-loaded":
	default:
		return fmt.Errorf("proofgate: unknown policy %q", c.Policy)
	}
	switch c.Store {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("proofgate: redis store selected but redis_addr is empty")
		}
	default:
		return fmt.Errorf("proofgate: unknown store %q", c.Store)
	}
	return nil
}
