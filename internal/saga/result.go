package saga

import (
	"errors"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

// Result is returned to the caller after an Execute call finishes, whether
// the saga succeeded, failed, or was replayed from persisted state.
type Result struct {
	SagaID             string            `json:"saga_id"`
	Success            bool              `json:"success"`
	StepResults        map[string]any    `json:"step_results"`
	Err                error             `json:"-"`
	Error              string            `json:"error,omitempty"`
	Context            domain.Context    `json:"context"`
	FailedStep         string            `json:"failed_step,omitempty"`
	CompensationErrors map[string]string `json:"compensation_errors,omitempty"`
}

// resultFromState reconstructs a Result from a persisted terminal saga row,
// used when Execute is re-invoked for an id that already finished.
func resultFromState(st *domain.SagaState) *Result {
	sc := st.Context
	if sc == nil {
		sc = domain.Context{}
	}

	r := &Result{
		SagaID:      st.SagaID,
		Success:     st.State == domain.StateCompleted,
		StepResults: stepResultsCopy(sc),
		Context:     sc,
	}

	if msg, ok := sc[domain.ContextKeyError].(string); ok && msg != "" {
		r.Error = msg
		r.Err = errors.New(msg)
	}
	if name, ok := sc[domain.ContextKeyFailedStep].(string); ok {
		r.FailedStep = name
	}
	r.CompensationErrors = compensationErrorsFromContext(sc)

	return r
}

// stepResultsCopy returns a shallow copy of the context's step_results map so
// callers cannot mutate the saga context through the Result.
func stepResultsCopy(sc domain.Context) map[string]any {
	results, ok := sc[domain.ContextKeyStepResults].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	cp := make(map[string]any, len(results))
	for k, v := range results {
		cp[k] = v
	}
	return cp
}

// compensationErrorsFromContext reads the compensation error map back out of
// a persisted context. JSON round-tripping turns map[string]string into
// map[string]any, so both shapes are accepted.
func compensationErrorsFromContext(sc domain.Context) map[string]string {
	switch m := sc[domain.ContextKeyCompensationErrors].(type) {
	case map[string]string:
		if len(m) == 0 {
			return nil
		}
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	case map[string]any:
		if len(m) == 0 {
			return nil
		}
		cp := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				cp[k] = s
			}
		}
		return cp
	default:
		return nil
	}
}
