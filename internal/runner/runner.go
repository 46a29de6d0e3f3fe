// Package runner drives a single matrix environment through its
// pipeline: provision an execution context, run the phases in order,
// and tear the context down exactly once no matter how the run ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"matrixci/internal/matrix"
	"matrixci/internal/runtime"
)

const (
	// defaultPhaseTimeout bounds phases that declare no timeout.
	defaultPhaseTimeout = 30 * time.Minute
	// defaultTeardownTimeout bounds context teardown after a run.
	defaultTeardownTimeout = 2 * time.Minute
	// maxPhaseOutput bounds the output captured per phase.
	maxPhaseOutput = 1 << 20
)

// Config tunes a Runner. Zero values pick sane defaults.
type Config struct {
	DefaultPhaseTimeout time.Duration
	TeardownTimeout     time.Duration
	Sink                OutputSink
	Logger              *slog.Logger
}

// Runner executes one environment at a time. It is safe for concurrent
// use; the matrix controller shares one runner across environments.
type Runner struct {
	runtime         runtime.Runtime
	sink            OutputSink
	log             *slog.Logger
	phaseTimeout    time.Duration
	teardownTimeout time.Duration
}

func New(rt runtime.Runtime, cfg Config) *Runner {
	if cfg.DefaultPhaseTimeout <= 0 {
		cfg.DefaultPhaseTimeout = defaultPhaseTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		runtime:         rt,
		sink:            cfg.Sink,
		log:             cfg.Logger,
		phaseTimeout:    cfg.DefaultPhaseTimeout,
		teardownTimeout: cfg.TeardownTimeout,
	}
}

// Run executes the job's pipeline. Phase and provisioning failures are
// reported inside the result; the returned error is non-nil only when
// the run was cancelled. Jobs marked keep-alive hold their context open
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, job matrix.Job) (matrix.JobResult, error) {
	return r.run(ctx, job, job.KeepAlive)
}

// Hold runs the pipeline and then keeps the execution context alive
// until ctx is cancelled, regardless of the pipeline outcome. Teardown
// happens on the way out.
func (r *Runner) Hold(ctx context.Context, job matrix.Job) (matrix.JobResult, error) {
	return r.run(ctx, job, true)
}

func (r *Runner) run(ctx context.Context, job matrix.Job, hold bool) (matrix.JobResult, error) {
	result := matrix.JobResult{
		Environment: job.Descriptor.Name,
		StartedAt:   time.Now().UTC(),
	}

	ec, err := r.runtime.Provision(ctx, contextSpec(job.Descriptor))
	if err != nil {
		if ctx.Err() != nil {
			return matrix.JobResult{}, ctx.Err()
		}
		provErr := &ProvisioningError{Environment: job.Descriptor.Name, Err: err}
		r.log.Error("provisioning failed", "environment", job.Descriptor.Name, "error", err)
		result.Status = matrix.StatusFailed
		result.Error = provErr.Error()
		result.FinishedAt = time.Now().UTC()
		return result, nil
	}
	r.log.Info("provisioned execution context", "environment", job.Descriptor.Name, "context_id", ec.ID())

	// Teardown runs exactly once, on every path out of this function,
	// with a fresh context so a cancelled run still cleans up.
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), r.teardownTimeout)
		defer cancel()
		if terr := ec.Teardown(tctx); terr != nil {
			r.log.Error("teardown failed", "environment", job.Descriptor.Name, "context_id", ec.ID(), "error", terr)
		} else {
			r.log.Info("execution context torn down", "environment", job.Descriptor.Name, "context_id", ec.ID())
		}
	}()

	for _, phase := range job.Phases {
		pres, perr := r.runPhase(ctx, ec, job.Descriptor.Name, phase)
		if perr != nil {
			return matrix.JobResult{}, perr
		}
		result.Phases = append(result.Phases, pres)
		if pres.ExitCode != 0 && !phase.ContinueOnFailure {
			result.Status = matrix.StatusFailed
			result.Error = (&PhaseError{Phase: phase.Name, ExitCode: pres.ExitCode, TimedOut: pres.TimedOut}).Error()
			break
		}
	}
	if result.Status == "" {
		result.Status = matrix.StatusPassed
	}
	result.FinishedAt = time.Now().UTC()

	if hold {
		r.log.Info("holding environment open", "environment", job.Descriptor.Name, "context_id", ec.ID())
		<-ctx.Done()
	}
	return result, nil
}

// runPhase executes one phase under its timeout. The returned error is
// non-nil only when the surrounding run was cancelled; timeouts and
// execution failures are folded into the phase result.
func (r *Runner) runPhase(ctx context.Context, ec runtime.ExecContext, environment string, phase matrix.Phase) (matrix.PhaseResult, error) {
	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = r.phaseTimeout
	}
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	capture := newCaptureWriter(maxPhaseOutput)
	out := io.MultiWriter(capture, r.sink.PhaseWriter(environment, phase.Name))

	r.log.Info("running phase", "environment", environment, "phase", phase.Name)
	start := time.Now()
	res, err := ec.Exec(phaseCtx, phase.Command, out)
	elapsed := time.Since(start)

	pres := matrix.PhaseResult{
		Name:     phase.Name,
		ExitCode: res.ExitCode,
		Duration: elapsed,
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return matrix.PhaseResult{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			r.log.Warn("phase timed out", "environment", environment, "phase", phase.Name, "timeout", timeout.String())
			pres.TimedOut = true
			pres.ExitCode = -1
		default:
			r.log.Error("phase execution failed", "environment", environment, "phase", phase.Name, "error", err)
			fmt.Fprintf(out, "phase error: %v\n", err)
			pres.ExitCode = -1
		}
	}
	pres.Output = capture.String()
	return pres, nil
}

func contextSpec(d matrix.Descriptor) runtime.ContextSpec {
	return runtime.ContextSpec{
		Name:         d.Name,
		Image:        d.Image,
		Env:          d.Env,
		Workdir:      d.Workdir,
		Mounts:       d.Mounts,
		Ports:        d.Ports,
		GPUs:         d.Resources.GPUs(),
		MemLockBytes: d.Resources.MemLockBytes,
		StackBytes:   d.Resources.StackBytes,
		MemoryBytes:  d.Resources.MemoryBytes,
		NanoCPUs:     d.Resources.NanoCPUs,
	}
}
