package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobRunner executes a single environment job. Run returns an error only
// when the job could not be driven to completion (cancellation); phase
// and provisioning failures are reported inside the JobResult.
type JobRunner interface {
	Run(ctx context.Context, job Job) (JobResult, error)
}

// Controller validates a matrix and runs its environments. Environments
// are independent: a failure in one never stops the others, but
// cancelling the context stops them all.
type Controller struct {
	runner      JobRunner
	maxParallel int
	gpuSlots    int
	log         *slog.Logger
}

// NewController builds a controller. maxParallel values below 1 are
// raised to 1. gpuSlots caps how many GPU environments run at once; with
// a single slot they serialize.
func NewController(runner JobRunner, maxParallel, gpuSlots int, log *slog.Logger) *Controller {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if gpuSlots < 0 {
		gpuSlots = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		runner:      runner,
		maxParallel: maxParallel,
		gpuSlots:    gpuSlots,
		log:         log,
	}
}

// RunAll validates every environment up front and then runs them. A
// configuration error fails the whole batch before anything is
// provisioned. The returned report holds one result per environment in
// matrix order; RunAll itself errors only on invalid input or
// cancellation.
func (c *Controller) RunAll(ctx context.Context, m *Matrix) (*Report, error) {
	if err := m.Validate(c.gpuSlots); err != nil {
		return nil, err
	}

	jobs := m.Jobs()
	report := &Report{
		Matrix:    m.Name,
		Jobs:      make([]JobResult, len(jobs)),
		StartedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.maxParallel)
	var gpu chan struct{}
	if c.gpuSlots > 0 {
		gpu = make(chan struct{}, c.gpuSlots)
	}

	for i, job := range jobs {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if job.Descriptor.Resources.GPU {
				select {
				case gpu <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				defer func() { <-gpu }()
			}

			c.log.Info("starting environment", "environment", job.Descriptor.Name, "image", job.Descriptor.Image)
			res, err := c.runner.Run(gctx, job)
			if err != nil {
				return fmt.Errorf("environment %s: %w", job.Descriptor.Name, err)
			}
			c.log.Info("environment finished", "environment", job.Descriptor.Name, "status", string(res.Status))
			report.Jobs[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}
