package domain

// Reserved context keys written by the orchestrator. Workflow closures should
// treat these as read-only.
const (
	ContextKeyStepResults        = "step_results"
	ContextKeyFailedStep         = "failed_step"
	ContextKeyError              = "error"
	ContextKeyCompensationErrors = "compensation_errors"
)

// Context is the accumulated data of a saga execution: the caller-supplied
// inputs plus one entry per completed step under the step_results key. It
// grows monotonically during execution and is persisted as JSON.
type Context map[string]any

// Clone returns a copy of the context with a copied step_results map.
// Values themselves are shared; steps must not mutate values they stored
// in earlier passes.
func (c Context) Clone() Context {
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = v
	}
	if results, ok := c[ContextKeyStepResults].(map[string]any); ok {
		rc := make(map[string]any, len(results))
		for k, v := range results {
			rc[k] = v
		}
		cp[ContextKeyStepResults] = rc
	}
	return cp
}

// StepResults returns the per-step result map, creating it on first use.
func (c Context) StepResults() map[string]any {
	if results, ok := c[ContextKeyStepResults].(map[string]any); ok {
		return results
	}
	results := make(map[string]any)
	c[ContextKeyStepResults] = results
	return results
}

// StepResult returns the recorded result for the named step, if any.
func (c Context) StepResult(name string) (any, bool) {
	results, ok := c[ContextKeyStepResults].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := results[name]
	return v, ok
}

// SetStepResult records a step's result. A step's result is written at most
// once per execution pass.
func (c Context) SetStepResult(name string, result any) {
	c.StepResults()[name] = result
}
