package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ExecRuntime runs phase commands directly on the host. Each environment
// gets a scratch directory as its working directory; images, mounts,
// ports and resource limits are ignored. Intended for local development
// and tests.
type ExecRuntime struct {
	// WorkDir is the base directory for environment scratch space.
	WorkDir string
	// GPUSlots is how many GPU environments the host can run at once.
	GPUSlots int
}

// NewExecRuntime creates a host-process runtime rooted at workDir. An
// empty workDir defaults to a directory under the system temp dir.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "matrixci", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

func (e *ExecRuntime) Capabilities() Capabilities {
	return Capabilities{Name: "exec", GPUSlots: e.GPUSlots}
}

// Provision creates the environment's scratch directory.
func (e *ExecRuntime) Provision(ctx context.Context, spec ContextSpec) (ExecContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir := filepath.Join(e.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("Failed to create work directory: %w", err)
	}
	return &execContext{id: id, dir: dir, env: spec.Env}, nil
}

type execContext struct {
	id  string
	dir string
	env map[string]string
}

func (c *execContext) ID() string {
	return c.id
}

func (c *execContext) Exec(ctx context.Context, command string, output io.Writer) (ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return ExecResult{ExitCode: -1}, errors.New("command is required")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), mapToEnvList(c.env)...)
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{ExitCode: -1}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return ExecResult{ExitCode: -1}, fmt.Errorf("Failed to run command: %w", err)
	}
	return ExecResult{}, nil
}

func (c *execContext) Teardown(ctx context.Context) error {
	return os.RemoveAll(c.dir)
}
