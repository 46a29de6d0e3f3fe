// Package config handles configuration loading for the controller and
// worker: defaults, then an optional YAML file, then environment
// variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime kinds the worker can execute environments on.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
	RuntimeExec       = "exec"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// URL of the Control Plane (e.g., "http://localhost:7171")
	ControllerURL string

	// Shared secret for worker-to-controller internal endpoints
	SystemSecret string

	// How many matrix runs a worker processes at once
	WorkerConcurrency int

	// How often an idle worker polls the queue
	WorkerPollInterval time.Duration

	// Cap for the idle poll backoff
	WorkerMaxBackoff time.Duration

	// How often a worker extends the visibility of a running item
	WorkerHeartbeatInterval time.Duration

	// How far into the future each heartbeat pushes visibility
	VisibilityExtension time.Duration

	// Runtime kind: docker, kubernetes or exec
	Runtime string

	// Scratch directory base for the exec runtime
	RuntimeWorkDir string

	// Kubernetes runtime settings
	K8sNamespace      string
	K8sServiceAccount string

	// How many environments of one matrix run in parallel
	MaxParallel int

	// How many GPU environments the runtime can hold at once
	GPUSlots int

	// Default per-phase timeout when the matrix declares none
	PhaseTimeout time.Duration

	// OTLP collector endpoint for traces
	OTELEndpoint string
}

// fileConfig mirrors Config with optional YAML keys. Pointers
// distinguish "absent" from zero values.
type fileConfig struct {
	DatabaseURL         *string `yaml:"database_url"`
	HTTPPort            *int    `yaml:"http_port"`
	ControllerURL       *string `yaml:"controller_url"`
	SystemSecret        *string `yaml:"system_secret"`
	WorkerConcurrency   *int    `yaml:"worker_concurrency"`
	WorkerPollInterval  *string `yaml:"worker_poll_interval"`
	WorkerMaxBackoff    *string `yaml:"worker_max_backoff"`
	HeartbeatInterval   *string `yaml:"worker_heartbeat_interval"`
	VisibilityExtension *string `yaml:"visibility_extension"`
	Runtime             *string `yaml:"runtime"`
	RuntimeWorkDir      *string `yaml:"runtime_workdir"`
	K8sNamespace        *string `yaml:"k8s_namespace"`
	K8sServiceAccount   *string `yaml:"k8s_service_account"`
	MaxParallel         *int    `yaml:"max_parallel"`
	GPUSlots            *int    `yaml:"gpu_slots"`
	PhaseTimeout        *string `yaml:"phase_timeout"`
	OTELEndpoint        *string `yaml:"otel_endpoint"`
}

// Load builds the configuration. path may be empty; when set, the YAML
// file must exist.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTPPort:                7171,
		ControllerURL:           "http://localhost:7171",
		WorkerConcurrency:       1,
		WorkerPollInterval:      1 * time.Second,
		WorkerMaxBackoff:        30 * time.Second,
		WorkerHeartbeatInterval: 2 * time.Minute,
		VisibilityExtension:     5 * time.Minute,
		Runtime:                 RuntimeDocker,
		MaxParallel:             2,
		PhaseTimeout:            30 * time.Minute,
		OTELEndpoint:            "localhost:4317",
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
	}
	switch cfg.Runtime {
	case RuntimeDocker, RuntimeKubernetes, RuntimeExec:
	default:
		return nil, fmt.Errorf("invalid RUNTIME %q (must be one of: docker, kubernetes, exec)", cfg.Runtime)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.DatabaseURL, fc.DatabaseURL)
	setInt(&c.HTTPPort, fc.HTTPPort)
	setString(&c.ControllerURL, fc.ControllerURL)
	setString(&c.SystemSecret, fc.SystemSecret)
	setInt(&c.WorkerConcurrency, fc.WorkerConcurrency)
	setString(&c.Runtime, fc.Runtime)
	setString(&c.RuntimeWorkDir, fc.RuntimeWorkDir)
	setString(&c.K8sNamespace, fc.K8sNamespace)
	setString(&c.K8sServiceAccount, fc.K8sServiceAccount)
	setInt(&c.MaxParallel, fc.MaxParallel)
	setInt(&c.GPUSlots, fc.GPUSlots)
	setString(&c.OTELEndpoint, fc.OTELEndpoint)

	durations := []struct {
		key  string
		src  *string
		dest *time.Duration
	}{
		{"worker_poll_interval", fc.WorkerPollInterval, &c.WorkerPollInterval},
		{"worker_max_backoff", fc.WorkerMaxBackoff, &c.WorkerMaxBackoff},
		{"worker_heartbeat_interval", fc.HeartbeatInterval, &c.WorkerHeartbeatInterval},
		{"visibility_extension", fc.VisibilityExtension, &c.VisibilityExtension},
		{"phase_timeout", fc.PhaseTimeout, &c.PhaseTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = parsed
	}
	return nil
}

func (c *Config) applyEnv() error {
	overrideString(&c.DatabaseURL, "DATABASE_URL")
	overrideString(&c.ControllerURL, "CONTROLLER_URL")
	overrideString(&c.SystemSecret, "SYSTEM_SECRET")
	overrideString(&c.Runtime, "RUNTIME")
	overrideString(&c.RuntimeWorkDir, "RUNTIME_WORKDIR")
	overrideString(&c.K8sNamespace, "K8S_NAMESPACE")
	overrideString(&c.K8sServiceAccount, "K8S_SERVICE_ACCOUNT")
	overrideString(&c.OTELEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	ints := []struct {
		key  string
		dest *int
	}{
		{"PORT", &c.HTTPPort},
		{"WORKER_CONCURRENCY", &c.WorkerConcurrency},
		{"MAX_PARALLEL", &c.MaxParallel},
		{"GPU_SLOTS", &c.GPUSlots},
	}
	for _, i := range ints {
		if err := overrideInt(i.dest, i.key); err != nil {
			return err
		}
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"WORKER_POLL_INTERVAL", &c.WorkerPollInterval},
		{"WORKER_MAX_BACKOFF", &c.WorkerMaxBackoff},
		{"WORKER_HEARTBEAT_INTERVAL", &c.WorkerHeartbeatInterval},
		{"VISIBILITY_EXTENSION", &c.VisibilityExtension},
		{"PHASE_TIMEOUT", &c.PhaseTimeout},
	}
	for _, d := range durations {
		if err := overrideDuration(d.dest, d.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dest *string, src *string) {
	if src != nil {
		*dest = *src
	}
}

func setInt(dest *int, src *int) {
	if src != nil {
		*dest = *src
	}
}

func overrideString(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func overrideInt(dest *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func overrideDuration(dest *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
