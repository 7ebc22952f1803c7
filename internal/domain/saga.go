package domain

import (
	"time"
)

// State is the lifecycle state of a saga.
type State string

// Saga lifecycle states. A saga starts as pending, moves to running when the
// first step is dispatched, and ends in one of the terminal states.
const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCompensating State = "compensating"
	StateCompensated  State = "compensated"
)

// validTransitions enumerates the allowed state machine edges:
// pending -> running -> completed
// pending -> running -> compensating -> compensated
// pending -> running -> compensating -> failed
// running -> failed (unexpected, non-step error)
// pending -> failed (orphaned saga discovered by recovery)
var validTransitions = map[State][]State{
	StatePending:      {StateRunning, StateFailed},
	StateRunning:      {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateCompensated, StateFailed},
}

// CanTransition reports whether moving from one state to another is a legal
// edge of the saga state machine.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is final. A saga in a terminal state
// is immutable: further Execute calls with the same id must not change it.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensated
}

// Log event names recorded in the saga audit trail.
const (
	EventSagaStarted    = "saga_started"
	EventStepStart      = "step_start"
	EventStepComplete   = "step_complete"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventStepCompensate = "step_compensate"
	EventSagaCompleted  = "saga_completed"
	EventSagaFailed     = "saga_failed"
	EventSagaRecovered  = "saga_recovered"
)

// LogEntry is a single record in a saga's append-only audit trail.
// Entries are never mutated, reordered, or deleted.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
}

// SagaState is the persisted record of a saga: one row per saga id.
type SagaState struct {
	SagaID    string     `json:"saga_id"`
	SagaType  string     `json:"saga_type"`
	State     State      `json:"state"`
	Context   Context    `json:"context"`
	Log       []LogEntry `json:"log"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
