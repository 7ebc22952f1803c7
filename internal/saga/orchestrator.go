// Package saga implements the checkout saga engine: sequential step
// execution with bounded retries, crash-survivable persisted state, advisory
// locking against duplicate concurrent runs, and reverse-order compensation
// on critical failure.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/lock"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/repository"
)

const (
	tracerName      = "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
	defaultLockWait = 10 * time.Second

	// Retry backoff between step attempts: min(2^attempt * 100ms, 2s).
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// Orchestrator runs sagas: it persists progress after every step, retries
// failed steps within their budget, and drives reverse-order compensation
// when a critical step fails.
type Orchestrator struct {
	store     repository.StateRepository
	locks     lock.Manager
	observers []Observer
	logger    *slog.Logger
	lockWait  time.Duration

	// backoff is overridable in tests to avoid real sleeps.
	backoff func(attempt int) time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObservers registers lifecycle observers. Observers are notified fire
// and forget and can never block or fail a saga.
func WithObservers(obs ...Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs...)
	}
}

// WithLockWait overrides the bounded wait for the per-saga advisory lock.
func WithLockWait(wait time.Duration) Option {
	return func(o *Orchestrator) {
		o.lockWait = wait
	}
}

// NewOrchestrator creates a saga orchestrator backed by the given state
// repository and lock manager.
func NewOrchestrator(store repository.StateRepository, locks lock.Manager, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		locks:    locks,
		logger:   logger,
		lockWait: defaultLockWait,
		backoff:  stepBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// stepBackoff returns the sleep before retry attempt+1, 1-indexed:
// 200ms, 400ms, 800ms, 1.6s, then capped at 2s.
func stepBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

// completedStep tracks a successfully executed step for the compensation
// path: its definition, its forward result, and a snapshot of the saga
// context taken at the moment it completed.
type completedStep struct {
	step     Step
	result   any
	snapshot domain.Context
}

// Execute runs the saga identified by sagaID through the given steps.
//
// Calling Execute again with an id that already reached a terminal state
// returns the persisted result without re-running any step. Calling it while
// the same id is running or compensating returns ErrSagaRunning. Step-level
// errors never escape as raw errors: they are captured into the Result and
// the audit log. Only programmer errors (an invalid step list) and
// infrastructure failures (store, lock) are returned as errors.
func (o *Orchestrator) Execute(ctx context.Context, sagaID, sagaType string, initial domain.Context, steps []Step) (*Result, error) {
	if sagaID == "" {
		return nil, &StepListError{Reason: "empty saga id"}
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	// Idempotency check before taking the lock: terminal and in-flight sagas
	// are answered without contending on the lock at all.
	if res, err, done := o.lookupExisting(ctx, sagaID); done {
		return res, err
	}

	acquired, err := o.locks.Acquire(ctx, lockName(sagaID), o.lockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire saga lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}
	defer func() {
		if _, err := o.locks.Release(context.WithoutCancel(ctx), lockName(sagaID)); err != nil {
			o.logger.ErrorContext(ctx, "failed to release saga lock",
				slog.String("saga_id", sagaID),
				slog.String("error", err.Error()),
			)
		}
	}()

	// Double-check under the lock: another process may have created the saga
	// between the first lookup and lock acquisition.
	if res, err, done := o.lookupExisting(ctx, sagaID); done {
		return res, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.execute",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
			attribute.String("saga.type", sagaType),
			attribute.Int("saga.steps", len(steps)),
		),
	)
	defer span.End()

	sagaInFlight.WithLabelValues(sagaType).Inc()
	defer sagaInFlight.WithLabelValues(sagaType).Dec()

	sc := initial.Clone()
	if sc == nil {
		sc = domain.Context{}
	}

	if err := o.store.Create(ctx, sagaID, sagaType, sc); err != nil {
		span.SetStatus(codes.Error, "create saga state")
		return nil, fmt.Errorf("create saga state: %w", err)
	}
	o.appendLog(ctx, sagaID, domain.EventSagaStarted, fmt.Sprintf("saga %s started with %d steps", sagaType, len(steps)))
	o.transition(ctx, sagaID, sagaType, domain.StatePending, domain.StateRunning)

	result := o.runSteps(ctx, sagaID, sagaType, sc, steps)

	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.Error)
		span.SetAttributes(attribute.String("saga.failed_step", result.FailedStep))
	}

	return result, nil
}

// GetState returns the persisted state of a saga for operational tooling.
// It never mutates the saga.
func (o *Orchestrator) GetState(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	st, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("get saga state: %w", err)
	}
	if st == nil {
		return nil, ErrSagaNotFound
	}
	return st, nil
}

// ListSagas returns stored sagas newest first with the total count,
// optionally filtered by state. It never mutates any saga.
func (o *Orchestrator) ListSagas(ctx context.Context, state domain.State, limit, offset int) ([]domain.SagaState, int, error) {
	sagas, total, err := o.store.List(ctx, state, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sagas: %w", err)
	}
	return sagas, total, nil
}

// lookupExisting applies the idempotency rules of Execute to an existing row.
// done is false only when no row exists and execution should proceed.
func (o *Orchestrator) lookupExisting(ctx context.Context, sagaID string) (res *Result, err error, done bool) {
	st, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("lookup saga state: %w", err), true
	}
	if st == nil {
		return nil, nil, false
	}

	switch st.State {
	case domain.StateCompleted, domain.StateCompensated, domain.StateFailed:
		o.logger.InfoContext(ctx, "saga already finished, returning cached result",
			slog.String("saga_id", sagaID),
			slog.String("state", string(st.State)),
		)
		return resultFromState(st), nil, true

	case domain.StateRunning, domain.StateCompensating:
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaRunning), true

	case domain.StatePending:
		// A pending row means a crash happened between creation and the first
		// step. The original step closures are gone, so the saga cannot be
		// resumed here; mark it failed for the operator.
		o.logger.WarnContext(ctx, "found orphaned pending saga, marking failed",
			slog.String("saga_id", sagaID),
			slog.String("saga_type", st.SagaType),
		)
		o.appendLog(ctx, sagaID, domain.EventSagaFailed, "orphaned pending saga: step closures cannot be recovered")
		st.Context[domain.ContextKeyError] = "orphaned pending saga: cannot recover"
		o.updateContext(ctx, sagaID, st.Context)
		o.transition(ctx, sagaID, st.SagaType, domain.StatePending, domain.StateFailed)
		sagaExecutionsTotal.WithLabelValues(st.SagaType, string(domain.StateFailed)).Inc()
		st.State = domain.StateFailed
		return resultFromState(st), nil, true

	default:
		return nil, fmt.Errorf("saga %s has unknown state %q", sagaID, st.State), true
	}
}

// Resume continues a saga found stale by the recovery sweep. The steps must
// come from the registry factory for the saga's type. A stale running saga
// replays forward, skipping steps whose results are already recorded; a stale
// compensating saga re-runs compensation for its recorded steps, which is why
// compensating actions must be idempotent.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string, steps []Step) (*Result, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	acquired, err := o.locks.Acquire(ctx, lockName(sagaID), o.lockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire saga lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}
	defer func() {
		if _, err := o.locks.Release(context.WithoutCancel(ctx), lockName(sagaID)); err != nil {
			o.logger.ErrorContext(ctx, "failed to release saga lock",
				slog.String("saga_id", sagaID),
				slog.String("error", err.Error()),
			)
		}
	}()

	st, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("lookup saga state: %w", err)
	}
	if st == nil {
		return nil, ErrSagaNotFound
	}
	if st.State.IsTerminal() {
		// Another process finished it between the sweep's listing and now.
		return resultFromState(st), nil
	}

	sc := st.Context
	if sc == nil {
		sc = domain.Context{}
	}

	switch st.State {
	case domain.StateRunning:
		o.appendLog(ctx, sagaID, domain.EventSagaRecovered, "resuming interrupted execution")
		o.logger.InfoContext(ctx, "resuming stale saga",
			slog.String("saga_id", sagaID),
			slog.String("saga_type", st.SagaType),
		)
		return o.runSteps(ctx, sagaID, st.SagaType, sc, steps), nil

	case domain.StateCompensating:
		o.appendLog(ctx, sagaID, domain.EventSagaRecovered, "resuming interrupted compensation")
		completed := recordedSteps(steps, sc)
		failedStep, _ := sc[domain.ContextKeyFailedStep].(string)
		cause := errors.New("saga interrupted during compensation")
		if msg, ok := sc[domain.ContextKeyError].(string); ok && msg != "" {
			cause = errors.New(msg)
		}
		return o.compensate(ctx, sagaID, st.SagaType, sc, completed, failedStep, cause, domain.StateCompensating), nil

	default:
		return nil, fmt.Errorf("saga %s: cannot resume from state %q", sagaID, st.State)
	}
}

// recordedSteps rebuilds the completed-step list from persisted step results.
// Skipped non-critical failures are not compensatable and the failed step
// itself has no recorded result, so both fall out naturally.
func recordedSteps(steps []Step, sc domain.Context) []completedStep {
	var completed []completedStep
	for _, step := range steps {
		result, ok := sc.StepResult(step.Name)
		if !ok || isSkippedResult(result) {
			continue
		}
		completed = append(completed, completedStep{
			step:     step,
			result:   result,
			snapshot: sc.Clone(),
		})
	}
	return completed
}

// isSkippedResult reports whether a recorded step result is the failure
// marker written for a skipped non-critical step.
func isSkippedResult(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	skipped, _ := m["skipped"].(bool)
	return skipped
}

// runSteps drives the forward pass and, on critical failure, compensation.
// Steps whose results are already recorded in the context are skipped, which
// makes the loop re-entrant for recovery resumes.
func (o *Orchestrator) runSteps(ctx context.Context, sagaID, sagaType string, sc domain.Context, steps []Step) *Result {
	var completed []completedStep

	for _, step := range steps {
		if result, ok := sc.StepResult(step.Name); ok {
			if !isSkippedResult(result) {
				completed = append(completed, completedStep{
					step:     step,
					result:   result,
					snapshot: sc.Clone(),
				})
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			// The caller's context is gone; treat it as a critical failure of
			// the step that was about to run.
			o.appendLog(ctx, sagaID, domain.EventStepFailed, fmt.Sprintf("%s: context canceled before execution", step.Name))
			return o.compensate(ctx, sagaID, sagaType, sc, completed, step.Name, err, domain.StateRunning)
		}

		o.appendLog(ctx, sagaID, domain.EventStepStart, step.Name)
		o.notifyStepEvent(sagaID, sagaType, step.Name, StepEventStart, nil)

		started := time.Now()
		result, err := o.runWithRetry(ctx, sagaID, sagaType, step, sc)
		sagaStepDuration.WithLabelValues(sagaType, step.Name).Observe(time.Since(started).Seconds())

		if err != nil {
			o.notifyStepEvent(sagaID, sagaType, step.Name, StepEventFailed, err)

			if step.Critical {
				o.appendLog(ctx, sagaID, domain.EventStepFailed, fmt.Sprintf("%s: %s", step.Name, err.Error()))
				o.logger.ErrorContext(ctx, "critical step failed, compensating",
					slog.String("saga_id", sagaID),
					slog.String("step", step.Name),
					slog.String("error", err.Error()),
				)
				return o.compensate(ctx, sagaID, sagaType, sc, completed, step.Name, err, domain.StateRunning)
			}

			// Non-critical: record the failure as the step's result and move on.
			sc.SetStepResult(step.Name, map[string]any{"error": err.Error(), "skipped": true})
			o.updateContext(ctx, sagaID, sc)
			o.appendLog(ctx, sagaID, domain.EventStepSkipped, fmt.Sprintf("%s failed (non-critical): %s", step.Name, err.Error()))
			o.notifyStepEvent(sagaID, sagaType, step.Name, StepEventSkipped, err)
			o.logger.WarnContext(ctx, "non-critical step failed, continuing",
				slog.String("saga_id", sagaID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		sc.SetStepResult(step.Name, result)
		o.updateContext(ctx, sagaID, sc)
		o.appendLog(ctx, sagaID, domain.EventStepComplete, step.Name)
		o.notifyStepEvent(sagaID, sagaType, step.Name, StepEventComplete, nil)

		completed = append(completed, completedStep{
			step:     step,
			result:   result,
			snapshot: sc.Clone(),
		})
	}

	o.updateContext(ctx, sagaID, sc)
	o.appendLog(ctx, sagaID, domain.EventSagaCompleted, "all steps completed")
	o.transition(ctx, sagaID, sagaType, domain.StateRunning, domain.StateCompleted)
	sagaExecutionsTotal.WithLabelValues(sagaType, string(domain.StateCompleted)).Inc()

	o.logger.InfoContext(ctx, "saga completed",
		slog.String("saga_id", sagaID),
		slog.String("saga_type", sagaType),
		slog.Int("steps", len(steps)),
	)

	return &Result{
		SagaID:      sagaID,
		Success:     true,
		StepResults: stepResultsCopy(sc),
		Context:     sc,
	}
}

// runWithRetry attempts a step up to MaxRetries+1 times with exponential
// backoff between attempts, and returns the last error if all attempts fail.
func (o *Orchestrator) runWithRetry(ctx context.Context, sagaID, sagaType string, step Step, sc domain.Context) (any, error) {
	attempts := step.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			sagaStepRetriesTotal.WithLabelValues(sagaType, step.Name).Inc()
			o.logger.InfoContext(ctx, "retrying step",
				slog.String("saga_id", sagaID),
				slog.String("step", step.Name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
			)
			select {
			case <-time.After(o.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := o.attemptStep(ctx, step, sc)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

// attemptStep runs a single execution attempt with the step's own deadline.
// A panicking step closure is captured as an error rather than crashing the
// saga.
func (o *Orchestrator) attemptStep(ctx context.Context, step Step, sc domain.Context) (result any, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.step."+step.Name)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, rec)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return step.Execute(ctx, sc)
}

// compensate walks the successfully completed steps in reverse order and
// invokes each step's compensating action with the forward result and the
// context snapshot from the moment that step completed. Compensation is best
// effort and exhaustive: individual failures are collected, never
// short-circuiting the sweep. The terminal state is compensated when every
// compensation succeeded and failed otherwise.
func (o *Orchestrator) compensate(ctx context.Context, sagaID, sagaType string, sc domain.Context, completed []completedStep, failedStep string, cause error, from domain.State) *Result {
	if from == domain.StateRunning {
		o.transition(ctx, sagaID, sagaType, domain.StateRunning, domain.StateCompensating)
	}

	compErrs := make(map[string]string)

	for i := len(completed) - 1; i >= 0; i-- {
		cs := completed[i]
		if cs.step.Compensate == nil {
			continue
		}

		o.appendLog(ctx, sagaID, domain.EventStepCompensate, cs.step.Name)
		if err := o.attemptCompensate(ctx, cs); err != nil {
			compErrs[cs.step.Name] = err.Error()
			sagaCompensationErrorsTotal.WithLabelValues(sagaType, cs.step.Name).Inc()
			o.appendLog(ctx, sagaID, domain.EventStepFailed, fmt.Sprintf("compensate %s: %s", cs.step.Name, err.Error()))
			o.notifyStepEvent(sagaID, sagaType, cs.step.Name, StepEventCompensate, err)
			o.logger.ErrorContext(ctx, "compensation failed, manual intervention required",
				slog.String("saga_id", sagaID),
				slog.String("step", cs.step.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		o.notifyStepEvent(sagaID, sagaType, cs.step.Name, StepEventCompensate, nil)
	}

	sc[domain.ContextKeyFailedStep] = failedStep
	sc[domain.ContextKeyError] = cause.Error()
	if len(compErrs) > 0 {
		sc[domain.ContextKeyCompensationErrors] = compErrs
	}
	o.updateContext(ctx, sagaID, sc)

	terminal := domain.StateCompensated
	if len(compErrs) > 0 {
		terminal = domain.StateFailed
		o.appendLog(ctx, sagaID, domain.EventSagaFailed, fmt.Sprintf("compensation incomplete: %d step(s) failed to roll back", len(compErrs)))
	} else {
		o.appendLog(ctx, sagaID, domain.EventSagaFailed, fmt.Sprintf("saga compensated after %s failed", failedStep))
	}
	o.transition(ctx, sagaID, sagaType, domain.StateCompensating, terminal)
	sagaExecutionsTotal.WithLabelValues(sagaType, string(terminal)).Inc()

	result := &Result{
		SagaID:      sagaID,
		Success:     false,
		StepResults: stepResultsCopy(sc),
		Err:         cause,
		Error:       cause.Error(),
		Context:     sc,
		FailedStep:  failedStep,
	}
	if len(compErrs) > 0 {
		result.CompensationErrors = compErrs
	}
	return result
}

// attemptCompensate runs one compensating action with the step's deadline and
// panic capture.
func (o *Orchestrator) attemptCompensate(ctx context.Context, cs completedStep) (err error) {
	// Compensation must run even when the triggering failure was the caller's
	// context being canceled.
	ctx = context.WithoutCancel(ctx)
	if cs.step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cs.step.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.compensate."+cs.step.Name)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("compensation for %s panicked: %v", cs.step.Name, rec)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return cs.step.Compensate(ctx, cs.result, cs.snapshot)
}

// transition persists a state change and notifies observers. Persistence
// failures after the saga has started are logged, not propagated: the saga's
// business effects have already happened and the audit row is best effort
// from here.
func (o *Orchestrator) transition(ctx context.Context, sagaID, sagaType string, from, to domain.State) {
	if !domain.CanTransition(from, to) {
		o.logger.ErrorContext(ctx, "illegal saga state transition",
			slog.String("saga_id", sagaID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}
	if err := o.store.UpdateState(ctx, sagaID, to); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist saga state",
			slog.String("saga_id", sagaID),
			slog.String("state", string(to)),
			slog.String("error", err.Error()),
		)
	}
	o.notifyStateChange(sagaID, sagaType, from, to)
}

func (o *Orchestrator) updateContext(ctx context.Context, sagaID string, sc domain.Context) {
	if err := o.store.UpdateContext(ctx, sagaID, sc); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist saga context",
			slog.String("saga_id", sagaID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, sagaID, event, message string) {
	if err := o.store.AppendLog(ctx, sagaID, event, message); err != nil {
		o.logger.ErrorContext(ctx, "failed to append saga log entry",
			slog.String("saga_id", sagaID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// lockName derives the advisory lock name for a saga id.
func lockName(sagaID string) string {
	return "saga:" + sagaID
}

// IsConcurrencyError reports whether the error indicates the saga is being
// executed elsewhere (already running, or its lock is held).
func IsConcurrencyError(err error) bool {
	return errors.Is(err, ErrSagaRunning) || errors.Is(err, ErrLockNotAcquired)
}
