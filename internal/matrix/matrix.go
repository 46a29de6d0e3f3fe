// Package matrix defines the CI matrix file format and the controller
// that fans a matrix out into per-environment jobs.
package matrix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Names of the pipeline phases, in execution order.
const (
	PhaseInstall = "install"
	PhaseLint    = "lint"
	PhaseTest    = "test"
)

// Duration wraps time.Duration so matrix files can write "30m" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults are applied to every environment that does not override them.
type Defaults struct {
	Workdir      string            `yaml:"workdir"`
	Env          map[string]string `yaml:"env"`
	PhaseTimeout Duration          `yaml:"phase_timeout"`
}

// PhaseCommands holds the shell command of each pipeline phase. An empty
// command skips the phase in every environment.
type PhaseCommands struct {
	Install string `yaml:"install"`
	Lint    string `yaml:"lint"`
	Test    string `yaml:"test"`
}

// PhaseTimeouts overrides the default phase timeout per phase.
type PhaseTimeouts struct {
	Install Duration `yaml:"install"`
	Lint    Duration `yaml:"lint"`
	Test    Duration `yaml:"test"`
}

// Matrix is a parsed matrix file: a set of environments that all run the
// same install/lint/test pipeline.
type Matrix struct {
	Version      int           `yaml:"version"`
	Name         string        `yaml:"name"`
	KeepAlive    bool          `yaml:"keep_alive"`
	Defaults     Defaults      `yaml:"defaults"`
	Phases       PhaseCommands `yaml:"phases"`
	Timeouts     PhaseTimeouts `yaml:"timeouts"`
	Environments []Descriptor  `yaml:"environments"`
}

// Load reads and parses a matrix file. A missing name defaults to the
// file name without its extension.
func Load(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		base := filepath.Base(path)
		m.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return m, nil
}

// Parse parses matrix YAML and resolves environment defaults.
func Parse(data []byte) (*Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse matrix: %w", err)
	}
	if m.Version > 1 {
		return nil, fmt.Errorf("unsupported matrix version %d", m.Version)
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Matrix) applyDefaults() {
	for i := range m.Environments {
		env := &m.Environments[i]
		if env.Workdir == "" {
			env.Workdir = m.Defaults.Workdir
		}
		if len(m.Defaults.Env) == 0 {
			continue
		}
		merged := make(map[string]string, len(m.Defaults.Env)+len(env.Env))
		for k, v := range m.Defaults.Env {
			merged[k] = v
		}
		for k, v := range env.Env {
			merged[k] = v
		}
		env.Env = merged
	}
}

// Validate checks the whole matrix before anything runs. gpuSlots is the
// number of GPU jobs the runtime can hold at once; pass a negative value
// to skip the GPU capability check (offline validation).
func (m *Matrix) Validate(gpuSlots int) error {
	if len(m.Environments) == 0 {
		return &ConfigurationError{Reason: "at least one environment is required"}
	}
	if m.Phases.Install == "" && m.Phases.Lint == "" && m.Phases.Test == "" {
		return &ConfigurationError{Reason: "no phase commands defined"}
	}
	seen := make(map[string]struct{}, len(m.Environments))
	for _, env := range m.Environments {
		if env.Name == "" {
			return &ConfigurationError{Reason: "environment name is required"}
		}
		if _, dup := seen[env.Name]; dup {
			return &ConfigurationError{Environment: env.Name, Reason: "duplicate environment name"}
		}
		seen[env.Name] = struct{}{}
		if env.Image == "" {
			return &ConfigurationError{Environment: env.Name, Reason: "image is required"}
		}
		if env.Resources.GPUCount < 0 {
			return &ConfigurationError{Environment: env.Name, Reason: "gpu_count cannot be negative"}
		}
		if env.Resources.GPU && gpuSlots == 0 {
			return &ConfigurationError{Environment: env.Name, Reason: "requires a GPU but the runtime exposes none"}
		}
	}
	return nil
}

// Pipeline builds the phase list every environment runs. Install and test
// failures fail the environment; lint runs in record-only mode.
func (m *Matrix) Pipeline() []Phase {
	phases := make([]Phase, 0, 3)
	if m.Phases.Install != "" {
		phases = append(phases, Phase{
			Name:    PhaseInstall,
			Command: m.Phases.Install,
			Timeout: m.phaseTimeout(m.Timeouts.Install),
		})
	}
	if m.Phases.Lint != "" {
		phases = append(phases, Phase{
			Name:              PhaseLint,
			Command:           m.Phases.Lint,
			ContinueOnFailure: true,
			Timeout:           m.phaseTimeout(m.Timeouts.Lint),
		})
	}
	if m.Phases.Test != "" {
		phases = append(phases, Phase{
			Name:    PhaseTest,
			Command: m.Phases.Test,
			Timeout: m.phaseTimeout(m.Timeouts.Test),
		})
	}
	return phases
}

func (m *Matrix) phaseTimeout(override Duration) time.Duration {
	if override > 0 {
		return time.Duration(override)
	}
	return time.Duration(m.Defaults.PhaseTimeout)
}

// Jobs expands the matrix into one job per environment.
func (m *Matrix) Jobs() []Job {
	pipeline := m.Pipeline()
	jobs := make([]Job, 0, len(m.Environments))
	for _, env := range m.Environments {
		jobs = append(jobs, Job{
			Descriptor: env,
			Phases:     pipeline,
			KeepAlive:  m.KeepAlive,
		})
	}
	return jobs
}
