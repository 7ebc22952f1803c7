package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrSagaRunning is returned when Execute is called for a saga id that is
	// currently running or compensating. Callers should treat this as "come
	// back later" rather than retrying immediately.
	ErrSagaRunning = errors.New("saga is already executing")

	// ErrLockNotAcquired is returned when the advisory lock for a saga id
	// could not be acquired within the wait budget. No state is mutated.
	ErrLockNotAcquired = errors.New("saga lock not acquired")

	// ErrSagaNotFound is returned by GetState for an unknown saga id.
	ErrSagaNotFound = errors.New("saga not found")
)

// StepListError indicates an invalid step list was supplied to Execute.
// This is a programmer error and propagates to the caller unchanged.
type StepListError struct {
	Reason string
}

func (e *StepListError) Error() string {
	return fmt.Sprintf("invalid step list: %s", e.Reason)
}

// validateSteps rejects empty lists, unnamed steps, steps without an execute
// action, and duplicate step names.
func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return &StepListError{Reason: "no steps supplied"}
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return &StepListError{Reason: fmt.Sprintf("step %d has no name", i)}
		}
		if step.Execute == nil {
			return &StepListError{Reason: fmt.Sprintf("step %q has no execute action", step.Name)}
		}
		if _, dup := seen[step.Name]; dup {
			return &StepListError{Reason: fmt.Sprintf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}
