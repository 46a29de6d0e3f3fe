package matrix

import "time"

// Status is the outcome of a single environment.
type Status string

const (
	StatusPassed Status = "PASSED"
	StatusFailed Status = "FAILED"
)

// PhaseResult records one executed phase. Skipped phases never appear.
type PhaseResult struct {
	Name     string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Output   string
}

// JobResult is the outcome of one environment. Error is set only for
// infrastructure failures (provisioning, teardown); phase failures are
// reported through Phases and Status.
type JobResult struct {
	Environment string
	Status      Status
	Phases      []PhaseResult
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Report aggregates the results of a whole matrix run. Job order matches
// the environment order of the matrix file regardless of completion order.
type Report struct {
	Matrix     string
	Jobs       []JobResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Passed reports whether every environment passed.
func (r *Report) Passed() bool {
	for _, j := range r.Jobs {
		if j.Status != StatusPassed {
			return false
		}
	}
	return true
}

// Failed returns the environments that did not pass.
func (r *Report) Failed() []JobResult {
	var failed []JobResult
	for _, j := range r.Jobs {
		if j.Status != StatusPassed {
			failed = append(failed, j)
		}
	}
	return failed
}

// FailedNames returns the names of the environments that did not pass.
func (r *Report) FailedNames() []string {
	var names []string
	for _, j := range r.Failed() {
		names = append(names, j.Environment)
	}
	return names
}
