// Package runtime abstracts where matrix environments run. A runtime
// provisions an execution context (container, pod, or host directory),
// runs phase commands inside it, and tears it down.
package runtime

import (
	"context"
	"io"
)

// ContextSpec describes the execution context to provision. It carries
// everything a runtime needs; limits a runtime cannot express are
// silently ignored by that runtime.
type ContextSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	Workdir      string
	Mounts       []string
	Ports        []string
	GPUs         int
	MemLockBytes int64
	StackBytes   int64
	MemoryBytes  int64
	NanoCPUs     int64
}

// ExecResult is the outcome of one command run inside a context.
type ExecResult struct {
	ExitCode int
}

// ExecContext is a live execution context. Exec may be called any number
// of times; Teardown releases the context and must be called exactly once
// when the caller is done with it.
type ExecContext interface {
	// ID identifies the context for logs and debugging.
	ID() string
	// Exec runs a shell command inside the context, writing combined
	// stdout and stderr to output. A non-zero exit code is not an
	// error; errors mean the command could not be driven to completion.
	Exec(ctx context.Context, command string, output io.Writer) (ExecResult, error)
	// Teardown releases the context. Safe to call with a fresh context
	// after the provisioning context was cancelled.
	Teardown(ctx context.Context) error
}

// Capabilities describes what a runtime can do.
type Capabilities struct {
	// Name is the runtime identifier ("docker", "kubernetes", "exec").
	Name string
	// GPUSlots is how many GPU environments may run at once. Zero means
	// the runtime exposes no GPUs.
	GPUSlots int
}

// Runtime provisions execution contexts.
type Runtime interface {
	Provision(ctx context.Context, spec ContextSpec) (ExecContext, error)
	Capabilities() Capabilities
}
