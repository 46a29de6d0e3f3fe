package matrix

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Resources holds the resource limits of a single environment. Limits the
// active runtime cannot express are ignored by that runtime.
type Resources struct {
	GPU          bool
	GPUCount     int
	MemLockBytes int64
	StackBytes   int64
	MemoryBytes  int64
	NanoCPUs     int64
}

// GPUs returns the number of GPU devices the environment asks for.
func (r Resources) GPUs() int {
	if !r.GPU {
		return 0
	}
	if r.GPUCount <= 0 {
		return 1
	}
	return r.GPUCount
}

// UnmarshalYAML accepts docker-style human sizes for the memory limit
// ("4g", "512m") and fractional CPU counts ("1.5").
func (r *Resources) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		GPU      bool    `yaml:"gpu"`
		GPUCount int     `yaml:"gpu_count"`
		MemLock  int64   `yaml:"memlock"`
		Stack    int64   `yaml:"stack"`
		Memory   string  `yaml:"memory"`
		CPUs     float64 `yaml:"cpus"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.GPU = raw.GPU
	r.GPUCount = raw.GPUCount
	r.MemLockBytes = raw.MemLock
	r.StackBytes = raw.Stack
	if raw.Memory != "" {
		b, err := units.RAMInBytes(raw.Memory)
		if err != nil {
			return fmt.Errorf("invalid memory limit %q: %w", raw.Memory, err)
		}
		r.MemoryBytes = b
	}
	if raw.CPUs != 0 {
		r.NanoCPUs = int64(raw.CPUs * 1e9)
	}
	return nil
}

// Descriptor is the immutable description of one matrix environment.
// A descriptor is fully resolved before any job starts; the runner never
// mutates it.
type Descriptor struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Env       map[string]string `yaml:"env"`
	Workdir   string            `yaml:"workdir"`
	Mounts    []string          `yaml:"mounts"`
	Ports     []string          `yaml:"ports"`
	Resources Resources         `yaml:"resources"`
}

// Phase is one step of the fixed pipeline an environment runs through.
// Phases with an empty command are skipped entirely.
type Phase struct {
	Name    string
	Command string
	// ContinueOnFailure records the phase outcome without failing the
	// environment. The lint phase always runs with this set.
	ContinueOnFailure bool
	Timeout           time.Duration
}

// Job pairs an environment descriptor with the pipeline it runs.
type Job struct {
	Descriptor Descriptor
	Phases     []Phase
	KeepAlive  bool
}

// ConfigurationError reports an invalid matrix or environment. Validation
// runs before any environment is provisioned, so a single configuration
// error fails the whole batch.
type ConfigurationError struct {
	Environment string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	if e.Environment == "" {
		return fmt.Sprintf("invalid matrix: %s", e.Reason)
	}
	return fmt.Sprintf("invalid environment %q: %s", e.Environment, e.Reason)
}
