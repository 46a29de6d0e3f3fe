// Package worker contains the worker-side logic for executing matrix runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"matrixci/internal/matrix"
	"matrixci/internal/observability"
	"matrixci/internal/runner"
	"matrixci/internal/runtime"
	"matrixci/internal/store"
	"matrixci/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Store is the slice of the database layer the agent needs: queue
// operations to claim and settle runs, plus result persistence.
type Store interface {
	store.Queue

	BeginTx(ctx context.Context) (store.Tx, error)
	RecordJobResults(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, results []store.JobResult) error
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int           // Simultaneous runs (default: 1)
	MaxParallel         int           // Environments per run (default: 4)
	PollInterval        time.Duration
	ControllerURL       string
	SystemSecret        string        // Authenticates the log shipper against the internal routes
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
	PhaseTimeout        time.Duration // Default phase timeout when a matrix sets none
	RunTimeout          time.Duration // Hard ceiling for one whole run (default: 1h)
	Logger              *slog.Logger
}

// Agent is the worker agent that runs the pull-loop for matrix runs.
type Agent struct {
	store      Store
	runtime    runtime.Runtime
	meters     *observability.RunMeters
	config     AgentConfig
	projectIDs []uuid.UUID
	httpClient *http.Client
	log        *slog.Logger
	done       chan struct{}
}

// New creates a new worker agent.
// projectIDs: Optional. If provided, this worker only claims runs for these specific projects.
func New(s Store, rt runtime.Runtime, meters *observability.RunMeters, config AgentConfig, projectIDs []uuid.UUID) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	if config.RunTimeout <= 0 {
		config.RunTimeout = 1 * time.Hour
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Ensure no trailing slash
	if len(config.ControllerURL) > 0 && config.ControllerURL[len(config.ControllerURL)-1] == '/' {
		config.ControllerURL = config.ControllerURL[:len(config.ControllerURL)-1]
	}

	if meters == nil {
		meters, _ = observability.NewRunMeters()
	}

	return &Agent{
		store:      s,
		runtime:    rt,
		meters:     meters,
		config:     config,
		projectIDs: projectIDs,
		log:        config.Logger,
		done:       make(chan struct{}),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops claiming new work and lets in-flight runs wind down.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		"agent_id", a.config.ID,
		"concurrency", a.config.Concurrency,
		"runtime", a.runtime.Capabilities().Name)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	// Helper to trigger immediate non-blocking re-poll
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, waiting for running matrices to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			// Timer-based poll (with backoff)
			triggerPoll()

		case <-pollNow:
			// Count available slots
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			// Batch dequeue up to available slots
			items, err := a.store.DequeueBatch(ctx, a.projectIDs, availableSlots)
			if err != nil {
				a.log.Error("dequeue failed", "error", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			a.log.Info("claimed runs", "count", len(items))

			// Dispatch each run to a worker goroutine
			for _, item := range items {
				// Acquire semaphore slot
				sem <- struct{}{}

				wg.Add(1)
				go func(runID uuid.UUID, payload json.RawMessage) {
					defer wg.Done()
					defer func() {
						<-sem
						// Signal that a slot is now available - trigger immediate re-poll
						triggerPoll()
					}()
					a.processRun(ctx, runID, payload)
				}(item.RunID, item.Payload)
			}

			// If we got runs and there are still slots available, poll again immediately
			if len(items) > 0 && len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processRun executes a single run that has already been claimed.
func (a *Agent) processRun(ctx context.Context, runID uuid.UUID, payload json.RawMessage) {
	var p api.RunPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		a.log.Error("invalid run payload", "run_id", runID, "error", err)
		a.failRun(runID, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	// Join the trace started by the trigger, if one rode along.
	traceCtx := ctx
	if p.Trace != nil {
		traceCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(p.Trace))
	}

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(traceCtx, "process_run",
		trace.WithAttributes(
			attribute.String("run.id", runID.String()),
			attribute.String("matrix.name", p.Name),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	a.log.Info("processing run", "run_id", runID, "matrix", p.Name)
	a.meters.RunsProcessed.Add(spanCtx, 1)

	m, err := matrix.Parse([]byte(p.Matrix))
	if err != nil {
		// A definition that does not parse can never succeed, so this is
		// a verdict rather than a retryable failure.
		span.RecordError(err)
		msg := err.Error()
		a.completeRun(runID, store.RunStatusFailed, &msg)
		return
	}

	// Start heartbeat to refresh visibility timeout during execution
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, runID)

	runLog := a.log.With("run_id", runID.String())

	shipper := newLogShipper(a.httpClient, a.config.ControllerURL, a.config.SystemSecret, runID, runLog)
	defer shipper.Close()

	jobRunner := runner.New(a.runtime, runner.Config{
		DefaultPhaseTimeout: a.config.PhaseTimeout,
		Sink:                runner.NewPrefixSink(shipper),
		Logger:              runLog,
	})
	controller := matrix.NewController(jobRunner, a.config.MaxParallel, a.runtime.Capabilities().GPUSlots, runLog)

	// Cancelling the worker cancels in-flight runs without recording a
	// verdict; the claim then expires and another worker picks the run up.
	runCtx, cancelRun := context.WithTimeout(spanCtx, a.config.RunTimeout)
	defer cancelRun()

	report, err := controller.RunAll(runCtx, m)
	if err != nil {
		span.RecordError(err)

		var cfgErr *matrix.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			// The whole run was rejected before anything was provisioned.
			msg := err.Error()
			a.completeRun(runID, store.RunStatusFailed, &msg)
		case runCtx.Err() == context.DeadlineExceeded:
			runLog.Warn("run timed out", "timeout", a.config.RunTimeout)
			a.failRun(runID, fmt.Sprintf("run timed out after %v", a.config.RunTimeout))
		case ctx.Err() != nil:
			runLog.Info("run interrupted by shutdown")
		default:
			a.failRun(runID, fmt.Sprintf("run aborted: %v", err))
		}
		return
	}

	a.meters.EnvironmentsRun.Add(spanCtx, int64(len(report.Jobs)))
	var phases int64
	for _, job := range report.Jobs {
		phases += int64(len(job.Phases))
	}
	a.meters.PhasesExecuted.Add(spanCtx, phases)

	status := store.RunStatusPassed
	var errMsg *string
	if !report.Passed() {
		status = store.RunStatusFailed
		msg := "failed environments: " + strings.Join(report.FailedNames(), ", ")
		errMsg = &msg
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	if err := a.storeResults(runID, report, status, errMsg); err != nil {
		runLog.Error("failed to store results", "error", err)
		a.failRun(runID, fmt.Sprintf("failed to store results: %v", err))
		return
	}

	runLog.Info("run finished", "status", string(status), "environments", len(report.Jobs))
}

// storeResults persists the per-environment results and the verdict in one
// transaction so a crash cannot leave one without the other. It uses a
// fresh context so shutdown does not drop the verdict of a finished run.
func (a *Agent) storeResults(runID uuid.UUID, report *matrix.Report, status store.RunStatus, errMsg *string) error {
	ctx := context.Background()

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := a.store.RecordJobResults(ctx, tx, runID, toStoreResults(runID, report)); err != nil {
		return err
	}
	if err := a.store.Complete(ctx, tx, runID, status, errMsg); err != nil {
		return err
	}
	return tx.Commit()
}

func toStoreResults(runID uuid.UUID, report *matrix.Report) []store.JobResult {
	results := make([]store.JobResult, len(report.Jobs))
	for i, job := range report.Jobs {
		phases := make([]store.PhaseResult, len(job.Phases))
		for j, p := range job.Phases {
			phases[j] = store.PhaseResult{
				Name:       p.Name,
				ExitCode:   p.ExitCode,
				TimedOut:   p.TimedOut,
				DurationMS: p.Duration.Milliseconds(),
			}
		}
		results[i] = store.JobResult{
			RunID:       runID,
			Environment: job.Environment,
			Status:      store.RunStatus(job.Status),
			Phases:      phases,
		}
		if job.Error != "" {
			msg := job.Error
			results[i].Error = &msg
		}
	}
	return results
}

func (a *Agent) completeRun(runID uuid.UUID, status store.RunStatus, errMsg *string) {
	if err := a.store.Complete(context.Background(), nil, runID, status, errMsg); err != nil {
		a.log.Error("failed to record verdict", "run_id", runID, "error", err)
	}
}

func (a *Agent) failRun(runID uuid.UUID, msg string) {
	if err := a.store.Fail(context.Background(), nil, runID, msg); err != nil {
		a.log.Error("failed to reschedule run", "run_id", runID, "error", err)
	}
}

// runHeartbeat refreshes the visibility timeout periodically while a run
// is executing. This prevents long matrices from being claimed twice.
func (a *Agent) runHeartbeat(ctx context.Context, runID uuid.UUID) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Extend visibility timeout
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.store.SetVisibleAfter(context.Background(), nil, runID, visibleAfter); err != nil {
				a.log.Warn("heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}
