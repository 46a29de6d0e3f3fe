package runner

import "fmt"

// ProvisioningError reports that an environment's execution context
// could not be brought up. The pipeline never starts.
type ProvisioningError struct {
	Environment string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Environment, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// PhaseError reports the phase failure that failed an environment. A
// timed out phase is a failed phase.
type PhaseError struct {
	Phase    string
	ExitCode int
	TimedOut bool
}

func (e *PhaseError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("phase %s timed out", e.Phase)
	}
	return fmt.Sprintf("phase %s failed with exit code %d", e.Phase, e.ExitCode)
}
