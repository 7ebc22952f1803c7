package saga

import (
	"context"
	"time"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// ExecuteFunc performs a step's unit of work. It receives the accumulated
// saga context and returns the step's result, which is recorded under
// step_results and later handed to the step's CompensateFunc.
type ExecuteFunc func(ctx context.Context, sc domain.Context) (any, error)

// CompensateFunc undoes the effect of a previously successful execution.
// It receives the forward execution's result and a snapshot of the saga
// context taken at the moment the step completed.
type CompensateFunc func(ctx context.Context, result any, sc domain.Context) error

// Step is one named unit of work in a saga. Steps are value-like and
// immutable: tuning one produces a modified copy via the With* methods, so a
// step list built once can be shared safely between executions.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
	Timeout    time.Duration
	MaxRetries int
	Critical   bool
}

// NewStep creates a critical step with the default timeout and no retries.
func NewStep(name string, execute ExecuteFunc) Step {
	return Step{
		Name:     name,
		Execute:  execute,
		Timeout:  defaultStepTimeout,
		Critical: true,
	}
}

const defaultStepTimeout = 30 * time.Second

// WithCompensation returns a copy with the given compensating action.
func (s Step) WithCompensation(fn CompensateFunc) Step {
	s.Compensate = fn
	return s
}

// WithTimeout returns a copy with the given per-attempt timeout.
// A zero timeout inherits the caller's context deadline.
func (s Step) WithTimeout(d time.Duration) Step {
	s.Timeout = d
	return s
}

// WithMaxRetries returns a copy with the given retry budget. A step with
// MaxRetries = N is attempted N+1 times before its failure is surfaced.
func (s Step) WithMaxRetries(n int) Step {
	s.MaxRetries = n
	return s
}

// NonCritical returns a copy whose failure is recorded but does not halt the
// saga or trigger compensation.
func (s Step) NonCritical() Step {
	s.Critical = false
	return s
}
